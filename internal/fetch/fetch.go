// Package fetch runs the background workers that turn queued tile tasks into
// decoded images. Workers pull from the store's task queue, consult the disk
// layer, hit the network or local filesystem, decode, and report back on the
// store's results channel. They never write into the cache themselves.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"tileview/internal/source"
	"tileview/internal/store"
)

// Error wraps a tile load failure with its classification.
type Error struct {
	Kind store.FailKind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tile fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options wires a pool to its collaborators.
type Options struct {
	Store     *store.Store
	Registry  *source.Registry
	Disk      *store.DiskCache // optional
	Workers   int
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client // optional, replaced in tests
	Logger    *zap.Logger
}

// Pool is a fixed-size set of fetch/decode workers.
type Pool struct {
	store     *store.Store
	registry  *source.Registry
	disk      *store.DiskCache
	client    *http.Client
	timeout   time.Duration
	userAgent string
	log       *zap.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewPool(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	p := &Pool{
		store:     opts.Store,
		registry:  opts.Registry,
		disk:      opts.Disk,
		client:    opts.Client,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		log:       opts.Logger,
		cancel:    cancel,
		group:     group,
	}
	for i := 0; i < opts.Workers; i++ {
		group.Go(func() error {
			p.run(ctx)
			return nil
		})
	}
	p.log.Info("fetch pool started", zap.Int("workers", opts.Workers))
	return p
}

// Close stops the workers and waits for in-flight tasks to finish.
func (p *Pool) Close() {
	p.cancel()
	p.group.Wait()
}

func (p *Pool) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.store.Tasks():
			res := p.load(ctx, task)
			select {
			case p.store.Results() <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) load(ctx context.Context, task store.Task) store.Result {
	now := time.Now()
	res := store.Result{Key: task.Key, Attempt: task.Attempt}

	if p.store.ShouldAbandon(task.Key, now) {
		res.Abandoned = true
		return res
	}
	p.store.MarkLoading(task.Key)

	src := p.registry.Get(task.Key.Source)
	if src == nil {
		res.Err = fmt.Errorf("unknown tile source %q", task.Key.Source)
		res.Kind = store.FailNotFound
		return res
	}

	if p.disk != nil {
		if data, ok := p.disk.Get(task.Key, now); ok {
			if img, err := decode(data); err == nil {
				res.Img = img
				return res
			}
			// Corrupt payload on disk; fall through to a fresh fetch.
		}
	}

	addr := src.URLFor(task.Key.Z, task.Key.X, task.Key.Y)
	data, err := p.fetchBytes(ctx, addr)
	if err != nil {
		res.Err = err
		res.Kind = classify(err)
		return res
	}

	img, err := decode(data)
	if err != nil {
		res.Err = &Error{Kind: store.FailDecode, URL: addr, Err: err}
		res.Kind = store.FailDecode
		return res
	}

	if p.disk != nil && !src.Local() {
		if err := p.disk.Put(task.Key, data, now); err != nil {
			if errors.Is(err, store.ErrCapacityExceeded) {
				p.log.Warn("tile not admitted to disk cache",
					zap.Stringer("tile", task.Key),
					zap.Int("bytes", len(data)))
			} else {
				p.log.Warn("disk cache write failed",
					zap.Stringer("tile", task.Key),
					zap.Error(err))
			}
		}
	}

	res.Img = img
	return res
}

func (p *Pool) fetchBytes(ctx context.Context, addr string) ([]byte, error) {
	if strings.HasPrefix(addr, "file:") {
		return readLocal(addr)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, &Error{Kind: store.FailTransport, URL: addr, Err: err}
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyNetErr(err), URL: addr, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Kind: store.FailNotFound, URL: addr, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: store.FailTransport, URL: addr, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: classifyNetErr(err), URL: addr, Err: err}
	}
	return data, nil
}

func readLocal(addr string) ([]byte, error) {
	path := strings.TrimPrefix(addr, "file://")
	path = strings.TrimPrefix(path, "file:")
	data, err := os.ReadFile(path)
	if err != nil {
		kind := store.FailTransport
		if errors.Is(err, os.ErrNotExist) {
			kind = store.FailNotFound
		}
		return nil, &Error{Kind: kind, URL: addr, Err: err}
	}
	return data, nil
}

func decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func classify(err error) store.FailKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return classifyNetErr(err)
}

func classifyNetErr(err error) store.FailKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return store.FailTimeout
	case errors.Is(err, context.Canceled):
		return store.FailCanceled
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return store.FailTimeout
	}
	return store.FailTransport
}
