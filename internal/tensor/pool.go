package tensor

import (
	"fmt"
	"math"
)

// MaxPool2d applies 2-D max pooling with the given kernel, stride and zero
// padding. Padded positions never win the max (they count as -inf).
func MaxPool2d(x *Tensor, kernel, stride, pad int) *Tensor {
	n, c, h, w := x.Dims4()
	ho := (h+2*pad-kernel)/stride + 1
	wo := (w+2*pad-kernel)/stride + 1
	out := New(n, c, ho, wo)
	argmax := make([]int, out.Numel())

	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			for oh := 0; oh < ho; oh++ {
				for ow := 0; ow < wo; ow++ {
					best := float32(math.Inf(-1))
					bestIdx := -1
					for ki := 0; ki < kernel; ki++ {
						ih := oh*stride - pad + ki
						if ih < 0 || ih >= h {
							continue
						}
						for kj := 0; kj < kernel; kj++ {
							iw := ow*stride - pad + kj
							if iw < 0 || iw >= w {
								continue
							}
							xi := ((ni*c+ci)*h+ih)*w + iw
							if v := x.Data[xi]; v > best {
								best, bestIdx = v, xi
							}
						}
					}
					oi := ((ni*c+ci)*ho+oh)*wo + ow
					out.Data[oi] = best
					argmax[oi] = bestIdx
				}
			}
		}
	}
	return record(out, func(t *Tensor) {
		gx := x.grad()
		for oi, g := range t.Grad {
			if xi := argmax[oi]; xi >= 0 {
				gx[xi] += g
			}
		}
	}, x)
}

// AvgPool2d applies 2-D average pooling. Padded positions count toward the
// divisor (count-include-pad), matching the down-sampling blocks this toolkit
// instruments.
func AvgPool2d(x *Tensor, kernel, stride, pad int) *Tensor {
	n, c, h, w := x.Dims4()
	ho := (h+2*pad-kernel)/stride + 1
	wo := (w+2*pad-kernel)/stride + 1
	out := New(n, c, ho, wo)
	inv := 1 / float32(kernel*kernel)

	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			for oh := 0; oh < ho; oh++ {
				for ow := 0; ow < wo; ow++ {
					var sum float32
					for ki := 0; ki < kernel; ki++ {
						ih := oh*stride - pad + ki
						if ih < 0 || ih >= h {
							continue
						}
						for kj := 0; kj < kernel; kj++ {
							iw := ow*stride - pad + kj
							if iw < 0 || iw >= w {
								continue
							}
							sum += x.Data[((ni*c+ci)*h+ih)*w+iw]
						}
					}
					out.Data[((ni*c+ci)*ho+oh)*wo+ow] = sum * inv
				}
			}
		}
	}
	return record(out, func(t *Tensor) {
		gx := x.grad()
		for ni := 0; ni < n; ni++ {
			for ci := 0; ci < c; ci++ {
				for oh := 0; oh < ho; oh++ {
					for ow := 0; ow < wo; ow++ {
						g := t.Grad[((ni*c+ci)*ho+oh)*wo+ow] * inv
						if g == 0 {
							continue
						}
						for ki := 0; ki < kernel; ki++ {
							ih := oh*stride - pad + ki
							if ih < 0 || ih >= h {
								continue
							}
							for kj := 0; kj < kernel; kj++ {
								iw := ow*stride - pad + kj
								if iw < 0 || iw >= w {
									continue
								}
								gx[((ni*c+ci)*h+ih)*w+iw] += g
							}
						}
					}
				}
			}
		}
	}, x)
}

// ResizeNearest resizes the spatial dimensions by nearest-neighbour lookup.
// Exactly one of size (target H,W) or scale must be given; scale must be a
// positive integer factor when used.
func ResizeNearest(x *Tensor, size [2]int, scale float64) *Tensor {
	n, c, h, w := x.Dims4()
	var ho, wo int
	switch {
	case size[0] > 0 && size[1] > 0:
		ho, wo = size[0], size[1]
	case scale > 0:
		ho, wo = int(float64(h)*scale), int(float64(w)*scale)
	default:
		panic("tensor: ResizeNearest needs a size or a scale")
	}
	if ho <= 0 || wo <= 0 {
		panic(fmt.Sprintf("tensor: ResizeNearest bad target %dx%d", ho, wo))
	}
	out := New(n, c, ho, wo)
	srcIdx := make([]int, out.Numel())

	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			for oh := 0; oh < ho; oh++ {
				ih := oh * h / ho
				for ow := 0; ow < wo; ow++ {
					iw := ow * w / wo
					oi := ((ni*c+ci)*ho+oh)*wo + ow
					xi := ((ni*c+ci)*h+ih)*w + iw
					out.Data[oi] = x.Data[xi]
					srcIdx[oi] = xi
				}
			}
		}
	}
	return record(out, func(t *Tensor) {
		gx := x.grad()
		for oi, g := range t.Grad {
			gx[srcIdx[oi]] += g
		}
	}, x)
}
