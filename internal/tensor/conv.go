package tensor

import "fmt"

// Conv2d computes a 2-D convolution of x [N,Cin,H,W] with w [Cout,Cin,Kh,Kw]
// and optional bias b [Cout], using the given stride and zero padding on both
// spatial axes. The kernels are straightforward loops, trading speed for an
// exact reference implementation.
func Conv2d(x, w, b *Tensor, stride, pad int) *Tensor {
	n, cin, h, wd := x.Dims4()
	cout, cinW, kh, kw := w.Dims4()
	if cin != cinW {
		panic(fmt.Sprintf("tensor: Conv2d channel mismatch %d vs %d", cin, cinW))
	}
	if b != nil && b.Numel() != cout {
		panic(fmt.Sprintf("tensor: Conv2d bias length %d, want %d", b.Numel(), cout))
	}
	ho := (h+2*pad-kh)/stride + 1
	wo := (wd+2*pad-kw)/stride + 1
	out := New(n, cout, ho, wo)

	for ni := 0; ni < n; ni++ {
		for co := 0; co < cout; co++ {
			var bias float32
			if b != nil {
				bias = b.Data[co]
			}
			for oh := 0; oh < ho; oh++ {
				for ow := 0; ow < wo; ow++ {
					sum := bias
					for ci := 0; ci < cin; ci++ {
						for ki := 0; ki < kh; ki++ {
							ih := oh*stride - pad + ki
							if ih < 0 || ih >= h {
								continue
							}
							for kj := 0; kj < kw; kj++ {
								iw := ow*stride - pad + kj
								if iw < 0 || iw >= wd {
									continue
								}
								xi := ((ni*cin+ci)*h+ih)*wd + iw
								wi := ((co*cin+ci)*kh+ki)*kw + kj
								sum += x.Data[xi] * w.Data[wi]
							}
						}
					}
					out.Data[((ni*cout+co)*ho+oh)*wo+ow] = sum
				}
			}
		}
	}

	inputs := []*Tensor{x, w}
	if b != nil {
		inputs = append(inputs, b)
	}
	return record(out, func(t *Tensor) {
		gx := x.grad()
		gw := w.grad()
		var gb []float32
		if b != nil {
			gb = b.grad()
		}
		for ni := 0; ni < n; ni++ {
			for co := 0; co < cout; co++ {
				for oh := 0; oh < ho; oh++ {
					for ow := 0; ow < wo; ow++ {
						g := t.Grad[((ni*cout+co)*ho+oh)*wo+ow]
						if g == 0 {
							continue
						}
						if gb != nil {
							gb[co] += g
						}
						for ci := 0; ci < cin; ci++ {
							for ki := 0; ki < kh; ki++ {
								ih := oh*stride - pad + ki
								if ih < 0 || ih >= h {
									continue
								}
								for kj := 0; kj < kw; kj++ {
									iw := ow*stride - pad + kj
									if iw < 0 || iw >= wd {
										continue
									}
									xi := ((ni*cin+ci)*h+ih)*wd + iw
									wi := ((co*cin+ci)*kh+ki)*kw + kj
									gx[xi] += g * w.Data[wi]
									gw[wi] += g * x.Data[xi]
								}
							}
						}
					}
				}
			}
		}
	}, inputs...)
}
