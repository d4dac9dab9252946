package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hochfrequenz/cascade/internal/domain"
	"github.com/hochfrequenz/cascade/internal/oracle"
)

// Responder scripts the fake oracle's answer to one invocation
type Responder func(ctx context.Context, req oracle.Request) (*oracle.Result, error)

type responderKey struct {
	mode oracle.Mode
	repo string
}

// Oracle is a scripted oracle.Client. Responders are looked up by mode and
// repo name, then by mode alone; anything unscripted succeeds with "ok".
type Oracle struct {
	mu         sync.Mutex
	responders map[responderKey]Responder
	calls      []oracle.Request
	active     int
	maxActive  int
}

// NewOracle creates a fake oracle with no scripted responses
func NewOracle() *Oracle {
	return &Oracle{responders: make(map[responderKey]Responder)}
}

// On scripts the response for mode; an empty repo matches every repo
func (o *Oracle) On(mode oracle.Mode, repo string, r Responder) *Oracle {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responders[responderKey{mode, repo}] = r
	return o
}

// Invoke records the request and answers it with the scripted responder
func (o *Oracle) Invoke(ctx context.Context, req oracle.Request) (*oracle.Result, error) {
	o.mu.Lock()
	o.calls = append(o.calls, req)
	o.active++
	if o.active > o.maxActive {
		o.maxActive = o.active
	}
	r, ok := o.responders[responderKey{req.Mode, req.RepoName}]
	if !ok {
		r, ok = o.responders[responderKey{req.Mode, ""}]
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	}()

	if !ok {
		r = Reply("ok")
	}
	res, err := r(ctx, req)
	if res != nil && req.OnOutput != nil && res.Text != "" {
		req.OnOutput(res.Text)
	}
	return res, err
}

// Calls returns the recorded requests of a mode, all modes if mode is empty
func (o *Oracle) Calls(mode oracle.Mode) []oracle.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []oracle.Request
	for _, c := range o.calls {
		if mode == "" || c.Mode == mode {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how often mode was invoked for repo
func (o *Oracle) CallCount(mode oracle.Mode, repo string) int {
	n := 0
	for _, c := range o.Calls(mode) {
		if repo == "" || c.RepoName == repo {
			n++
		}
	}
	return n
}

// MaxConcurrent returns the highest number of simultaneous invocations seen
func (o *Oracle) MaxConcurrent() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxActive
}

// Reply answers with text
func Reply(text string) Responder {
	return func(ctx context.Context, req oracle.Request) (*oracle.Result, error) {
		return &oracle.Result{RawOutput: text, Text: text}, nil
	}
}

// Fail answers with err
func Fail(err error) Responder {
	return func(ctx context.Context, req oracle.Request) (*oracle.Result, error) {
		return nil, err
	}
}

// Block waits until ctx ends, like an oracle process that never finishes
func Block() Responder {
	return func(ctx context.Context, req oracle.Request) (*oracle.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// Sleep answers with "ok" after d, or earlier with the ctx error
func Sleep(d time.Duration) Responder {
	return func(ctx context.Context, req oracle.Request) (*oracle.Result, error) {
		select {
		case <-time.After(d):
			return &oracle.Result{Text: "ok"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Findings answers a discovery with the given files
func Findings(paths ...string) Responder {
	return func(ctx context.Context, req oracle.Request) (*oracle.Result, error) {
		res := &oracle.Result{Text: "analysis"}
		for _, p := range paths {
			res.Findings = append(res.Findings, domain.Finding{Path: p, Severity: domain.SeverityMedium})
		}
		return res, nil
	}
}

// Review answers a review with a verdict and findings
func Review(verdict oracle.Verdict, findings ...domain.Finding) Responder {
	return func(ctx context.Context, req oracle.Request) (*oracle.Result, error) {
		return &oracle.Result{Text: "review: " + string(verdict), Verdict: verdict, Findings: findings}, nil
	}
}

// WriteFile edits the working tree like a real adapting oracle would
func WriteFile(name, content string) Responder {
	return func(ctx context.Context, req oracle.Request) (*oracle.Result, error) {
		path := filepath.Join(req.RepoPath, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return nil, err
		}
		return &oracle.Result{Text: "wrote " + name}, nil
	}
}
