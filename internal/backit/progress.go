package backit

// Progress receives coarse step names while a long operation runs.
type Progress interface {
	Step(name string)
}

// NopProgress discards progress updates.
type NopProgress struct{}

func (NopProgress) Step(string) {}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(name string)

func (f ProgressFunc) Step(name string) { f(name) }
