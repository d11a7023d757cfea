package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/childproc/loader"
	"github.com/guseggert/childproc/task"
)

func builtins() *loader.Registry {
	return loader.NewRegistry().
		RegisterMethod("echo", echo).
		RegisterMethod("sum", sum).
		RegisterMethod("sha256", hash).
		RegisterTask("countdown", func() (task.Task, error) { return &countdown{interval: time.Second}, nil }).
		RegisterTask("hold", func() (task.Task, error) { return &hold{}, nil }).
		RegisterService("kv", func() (task.Service, error) { return newKV(), nil })
}

func echo(ctx context.Context, arg string) (string, error) {
	return arg, nil
}

// sum adds comma separated integers.
func sum(ctx context.Context, arg string) (string, error) {
	total := 0
	for _, f := range strings.Split(arg, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return "", fmt.Errorf("%w: %s", task.ErrInvalidArgument, err)
		}
		total += n
	}
	return strconv.Itoa(total), nil
}

func hash(ctx context.Context, arg string) (string, error) {
	h := sha256.Sum256([]byte(arg))
	return hex.EncodeToString(h[:]), nil
}

// countdown counts down from its argument on a worker, reporting each tick, until it reaches zero or is stopped.
type countdown struct {
	interval time.Duration
}

func (c *countdown) Mode() task.Mode { return task.AsyncThread }

func (c *countdown) Execute(ctx context.Context, arg string, r task.Reporter) (string, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return "", fmt.Errorf("%w: want a non-negative count, got %q", task.ErrInvalidArgument, arg)
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for ; n > 0; n-- {
		r.Progressf("%d", n)
		select {
		case <-ctx.Done():
			return fmt.Sprintf("stopped at %d", n), nil
		case <-ticker.C:
		}
	}
	return "liftoff", nil
}

func (c *countdown) End() error { return nil }

// hold returns right away and keeps the child alive until the parent stops it.
type hold struct {
	started time.Time
}

func (h *hold) Mode() task.Mode { return task.AsyncReturn }

func (h *hold) Execute(ctx context.Context, arg string, r task.Reporter) (string, error) {
	h.started = time.Now()
	r.Progress("holding")
	return arg, nil
}

func (h *hold) End() error {
	if h.started.IsZero() {
		return errors.New("ended before it started")
	}
	return nil
}

// kv is an in-memory key/value store.
type kv struct {
	m    sync.Mutex
	data map[string]string
}

func newKV() *kv {
	return &kv{data: map[string]string{}}
}

type kvRequest struct {
	Key   string
	Value string
}

func (s *kv) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var req kvRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %s", task.ErrInvalidArgument, err)
	}
	s.m.Lock()
	defer s.m.Unlock()
	switch method {
	case "get":
		v, ok := s.data[req.Key]
		if !ok {
			return nil, fmt.Errorf("no key %q", req.Key)
		}
		return json.Marshal(v)
	case "set":
		s.data[req.Key] = req.Value
		return nil, nil
	case "delete":
		delete(s.data, req.Key)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown method %q", method)
}

// Handler serves the list of keys.
func (s *kv) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.m.Lock()
		keys := make([]string, 0, len(s.data))
		for k := range s.data {
			keys = append(keys, k)
		}
		s.m.Unlock()
		sort.Strings(keys)
		w.Header().Add("Content-Type", "application/json")
		json.NewEncoder(w).Encode(keys)
	})
}
