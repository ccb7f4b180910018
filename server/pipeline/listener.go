package pipeline

import "github.com/cyclopcam/roidetect/pkg/nn"

// Listener receives the regions of interest found in a frame.
// OnResult is called on the pipeline's goroutine, so it should return quickly.
// It is only called when at least one region was found.
type Listener interface {
	OnResult(result *nn.FrameResult)
}

// ListenerFunc adapts a function to a Listener
type ListenerFunc func(result *nn.FrameResult)

func (f ListenerFunc) OnResult(result *nn.FrameResult) {
	f(result)
}

// Listeners sends each result to every listener in turn
type Listeners []Listener

func (l Listeners) OnResult(result *nn.FrameResult) {
	for _, listener := range l {
		listener.OnResult(result)
	}
}
