package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

const okBody = `{"messaging_product":"whatsapp","messages":[{"id":"wamid.OK"}]}`

type sentCall struct {
	method   string
	text     string
	category MediaCategory
	url      string
	caption  string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sentCall
	errs  []error
	body  string
	hook  func(ctx context.Context)
}

func (s *recordingSink) SendText(ctx context.Context, text string) (ProviderResponse, error) {
	return s.record(ctx, sentCall{method: "text", text: text})
}

func (s *recordingSink) SendMedia(ctx context.Context, category MediaCategory, url string, caption string) (ProviderResponse, error) {
	return s.record(ctx, sentCall{method: "media", category: category, url: url, caption: caption})
}

func (s *recordingSink) record(ctx context.Context, call sentCall) (ProviderResponse, error) {
	s.mu.Lock()
	index := len(s.calls)
	s.calls = append(s.calls, call)
	hook := s.hook
	var err error
	if index < len(s.errs) {
		err = s.errs[index]
	} else if len(s.errs) > 0 && s.errs[len(s.errs)-1] != nil && s.body == "" {
		// A trailing error repeats forever, modelling a sink that is down.
		err = s.errs[len(s.errs)-1]
	}
	body := s.body
	s.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return ProviderResponse{}, err
	}
	if body == "" {
		body = okBody
	}

	return ProviderResponse{StatusCode: 200, Body: []byte(body)}, nil
}

func (s *recordingSink) snapshot() []sentCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]sentCall, len(s.calls))
	copy(out, s.calls)
	return out
}

type staticResolver struct {
	url string
	err error
}

func (r staticResolver) ResolveURL(_ context.Context, attachment Attachment) (string, error) {
	if r.err != nil {
		return "", r.err
	}

	return r.url + attachment.ReferenceID, nil
}

type waitRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, delay time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, delay)
	w.mu.Unlock()

	return ctx.Err()
}

func newTestDispatcher(sink Sink, resolver AttachmentResolver, opts DispatcherOptions) (*Dispatcher, *waitRecorder) {
	d, err := NewDispatcher(sink, resolver, opts, nil)
	if err != nil {
		panic(err)
	}

	recorder := &waitRecorder{}
	d.wait = recorder.wait
	return d, recorder
}

var errNetwork = errors.New("connection reset by peer")
