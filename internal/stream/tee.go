package stream

import (
	"errors"
	"io"
	"sync"
)

// ErrBodyClosed is reported when the reader closes the body before EOF.
var ErrBodyClosed = errors.New("stream: body closed before EOF")

// BodyObserver sees every chunk the reader pulls through a TeeReadCloser.
// OnChunk must not retain p. OnEnd is called exactly once: with nil at EOF,
// or with the read error (or ErrBodyClosed) otherwise.
type BodyObserver interface {
	OnChunk(p []byte)
	OnEnd(err error)
}

// TeeReadCloser lets the caller read the body while an observer sees each
// chunk as it passes, at the caller's pace.
type TeeReadCloser struct {
	body io.ReadCloser
	obs  BodyObserver
	once sync.Once
}

// TeeBody wraps body so that obs observes it.
func TeeBody(body io.ReadCloser, obs BodyObserver) *TeeReadCloser {
	return &TeeReadCloser{body: body, obs: obs}
}

func (t *TeeReadCloser) Read(p []byte) (int, error) {
	n, err := t.body.Read(p)
	if n > 0 {
		t.obs.OnChunk(p[:n])
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			t.end(nil)
		} else {
			t.end(err)
		}
	}
	return n, err
}

func (t *TeeReadCloser) Close() error {
	t.end(ErrBodyClosed)
	return t.body.Close()
}

func (t *TeeReadCloser) end(err error) {
	t.once.Do(func() { t.obs.OnEnd(err) })
}
