package graph

import (
	"testing"

	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// leaf doubles its input and optionally owns a parameter.
type leaf struct {
	param *tensor.Tensor
}

func (l *leaf) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	return tensor.Scale(xs[0], 2)
}

func (l *leaf) Parameters() []*tensor.Tensor {
	if l.param == nil {
		return nil
	}
	return []*tensor.Tensor{l.param}
}

func (l *leaf) CloneModule() Module {
	cp := *l
	if l.param != nil {
		cp.param = l.param.Clone()
	}
	return &cp
}

// chain runs its children in order.
type chain struct {
	children []Child
}

func (c *chain) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	x := xs[0]
	for _, ch := range c.children {
		x = Call(ch.Module, x)
	}
	return x
}

func (c *chain) Children() []Child { return append([]Child(nil), c.children...) }

func (c *chain) SetChild(name string, m Module) error {
	for i := range c.children {
		if c.children[i].Name == name {
			c.children[i].Module = m
			return nil
		}
	}
	return errNoChild
}

func (c *chain) CloneModule() Module {
	cp := &chain{}
	for _, ch := range c.children {
		m, err := Clone(ch.Module)
		if err != nil {
			panic(err)
		}
		cp.children = append(cp.children, Child{Name: ch.Name, Module: m})
	}
	return cp
}

var errNoChild = errTest("no such child")

type errTest string

func (e errTest) Error() string { return string(e) }

func newTree() (*chain, *leaf, *leaf) {
	a := &leaf{param: tensor.New(2)}
	b := &leaf{}
	inner := &chain{children: []Child{{Name: "a", Module: a}}}
	root := &chain{children: []Child{
		{Name: "inner", Module: inner},
		{Name: "b", Module: b},
	}}
	return root, a, b
}

func TestNamedModulesPreOrderPaths(t *testing.T) {
	root, _, _ := newTree()
	var paths []string
	for _, nm := range NamedModules(root) {
		paths = append(paths, nm.Path)
	}
	want := []string{"", "inner", "inner.a", "b"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths = %v, want %v", paths, want)
		}
	}
}

func TestGetAndSet(t *testing.T) {
	root, a, _ := newTree()

	got, err := Get(root, "inner.a")
	if err != nil {
		t.Fatal(err)
	}
	if got != Module(a) {
		t.Fatal("Get returned a different module")
	}

	repl := &leaf{}
	if err := Set(root, "inner.a", repl); err != nil {
		t.Fatal(err)
	}
	got, err = Get(root, "inner.a")
	if err != nil {
		t.Fatal(err)
	}
	if got != Module(repl) {
		t.Fatal("Set did not replace the child")
	}

	if _, err := Get(root, "inner.missing"); err == nil {
		t.Fatal("Get of a missing path should error")
	}
	if err := Set(root, "", repl); err == nil {
		t.Fatal("Set on the root path should error")
	}
}

func TestIndexMatchesNamedModules(t *testing.T) {
	root, a, b := newTree()
	idx := Index(root)
	if idx[""] != Module(root) || idx["inner.a"] != Module(a) || idx["b"] != Module(b) {
		t.Fatal("index does not resolve expected paths")
	}
}

func TestCloneIsDeep(t *testing.T) {
	root, a, _ := newTree()
	a.param.Data[0] = 1

	cp, err := Clone(root)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Get(cp, "inner.a")
	if err != nil {
		t.Fatal(err)
	}
	clone := got.(*leaf)
	if clone == a {
		t.Fatal("clone shares the leaf with the original")
	}
	clone.param.Data[0] = 99
	if a.param.Data[0] != 1 {
		t.Fatal("clone shares parameter storage with the original")
	}
}

func TestParametersDeduplicated(t *testing.T) {
	shared := tensor.New(3)
	a := &leaf{param: shared}
	b := &leaf{param: shared}
	root := &chain{children: []Child{{Name: "a", Module: a}, {Name: "b", Module: b}}}

	params := Parameters(root)
	if len(params) != 1 {
		t.Fatalf("got %d parameters, want 1 (shared tensor counted once)", len(params))
	}
}

func TestHooksFireAndRemove(t *testing.T) {
	root, a, _ := newTree()

	var calls int
	h := RegisterForwardHook(a, func(m Module, inputs []*tensor.Tensor, output *tensor.Tensor) {
		calls++
		if output.Data[0] != inputs[0].Data[0]*2 {
			t.Fatal("hook observed the wrong output")
		}
	})

	x := tensor.FromData([]float32{3}, 1)
	Call(root, x)
	if calls != 1 {
		t.Fatalf("hook fired %d times, want 1", calls)
	}
	if HookCount(root) != 1 {
		t.Fatalf("HookCount = %d, want 1", HookCount(root))
	}

	h.Remove()
	Call(root, x)
	if calls != 1 {
		t.Fatal("removed hook still fired")
	}
	if HookCount(root) != 0 {
		t.Fatalf("HookCount after removal = %d, want 0", HookCount(root))
	}

	// Removing twice is harmless.
	h.Remove()
}

func TestHookOrderMatchesTraversal(t *testing.T) {
	root, a, b := newTree()
	var order []string
	for name, m := range map[string]Module{"a": a, "b": b} {
		name, m := name, m
		defer RegisterForwardHook(m, func(Module, []*tensor.Tensor, *tensor.Tensor) {
			order = append(order, name)
		}).Remove()
	}

	Call(root, tensor.New(1))
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("hook order = %v, want [a b]", order)
	}
}
