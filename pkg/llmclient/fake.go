package llmclient

import "context"

// Fake is an in-memory Client used by tests so no package under this
// module makes a real network call in its test suite (matches the
// teacher's convention of fakes over live clients in _test.go files).
type Fake struct {
	LabelValue string
	// Responses is consumed in order by Complete; the last entry repeats
	// once exhausted. Errs, if set for an index, is returned instead.
	Responses []string
	Errs      []error
	calls     int
	// StreamChunks, if set, is what Stream emits; otherwise Stream emits
	// the next Complete response as one chunk followed by a final chunk.
	StreamChunks []Chunk
}

func (f *Fake) Label() string { return f.LabelValue }

func (f *Fake) Complete(_ context.Context, _ Request) (Response, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.Errs) && f.Errs[idx] != nil {
		return Response{}, f.Errs[idx]
	}
	if len(f.Responses) == 0 {
		return Response{}, nil
	}
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	return Response{Content: f.Responses[idx]}, nil
}

func (f *Fake) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		if len(f.StreamChunks) > 0 {
			for _, c := range f.StreamChunks {
				select {
				case chunks <- c:
				case <-ctx.Done():
					return
				}
			}
			return
		}

		resp, err := f.Complete(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		select {
		case chunks <- Chunk{Content: resp.Content}:
		case <-ctx.Done():
			return
		}
		select {
		case chunks <- Chunk{IsFinal: true}:
		case <-ctx.Done():
		}
	}()
	return chunks, errs
}
