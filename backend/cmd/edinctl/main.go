package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"edin/backend/internal/cache"
	"edin/backend/internal/docsync"
	"edin/backend/internal/patch"
	"edin/backend/internal/wsbackend"
)

const usage = `edinctl: read and edit documents on an edin server.

Usage:
  edinctl get <url> <docId> [--timeout=<d>]
  edinctl set <url> <docId> <pointer> <json> [--timeout=<d>]
  edinctl rm <url> <docId> [--timeout=<d>]
  edinctl watch <url> <docId> [--name=<name>] [--heartbeat=<d>]
  edinctl -h | --help

Options:
  -h --help         Show this screen.
  --timeout=<d>     Request timeout [default: 5s].
  --name=<name>     Display name shown to other clients [default: edinctl].
  --heartbeat=<d>   Presence heartbeat interval [default: 30s].
`

type args struct {
	Get       bool   `docopt:"get"`
	Set       bool   `docopt:"set"`
	Rm        bool   `docopt:"rm"`
	Watch     bool   `docopt:"watch"`
	URL       string `docopt:"<url>"`
	DocID     string `docopt:"<docId>"`
	Pointer   string `docopt:"<pointer>"`
	JSON      string `docopt:"<json>"`
	Timeout   string `docopt:"--timeout"`
	Name      string `docopt:"--name"`
	Heartbeat string `docopt:"--heartbeat"`
	Help      bool   `docopt:"--help"`
}

func main() {
	_ = flag.Set("logtostderr", "true")
	defer glog.Flush()

	a, err := parseArgs(os.Args[1:])
	if err != nil {
		fail(err)
	}

	switch {
	case a.Get:
		err = runGet(a)
	case a.Set:
		err = runSet(a)
	case a.Rm:
		err = runRm(a)
	case a.Watch:
		err = runWatch(a)
	}
	if err != nil {
		fail(err)
	}
}

func parseArgs(argv []string) (args, error) {
	var a args
	opts, err := docopt.ParseArgs(usage, argv, "")
	if err != nil {
		return a, err
	}
	err = opts.Bind(&a)
	return a, err
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "edinctl:", err)
	glog.Flush()
	os.Exit(1)
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// get 通过 docsync 取文档：不存在时以 {} 创建
func runGet(a args) error {
	timeout, err := parseDuration(a.Timeout)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	b, err := wsbackend.Dial(ctx, a.URL)
	if err != nil {
		return err
	}
	defer b.Close()

	errs := make(chan error, 1)
	c := docsync.NewCoordinator(b, docsync.WithRequestTimeout(timeout), docsync.WithErrorHandler(func(id string, err error) {
		select {
		case errs <- err:
		default:
		}
	}))
	defer c.Close()
	c.Start()

	d, err := c.Doc(a.DocID, map[string]any{})
	if err != nil {
		return err
	}
	select {
	case <-d.Ready():
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
	content, err := d.Content()
	if err != nil {
		return err
	}
	return printJSON(docsync.Snapshot{ID: d.ID(), Version: d.Version(), Content: content})
}

// set 经 docsync 写入，Flush 后等请求队列执行完才返回
func runSet(a args) error {
	timeout, err := parseDuration(a.Timeout)
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal([]byte(a.JSON), &value); err != nil {
		return fmt.Errorf("invalid json value: %w", err)
	}
	if _, err := patch.Split(a.Pointer); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	b, err := wsbackend.Dial(ctx, a.URL)
	if err != nil {
		return err
	}
	defer b.Close()

	c := docsync.NewCoordinator(b, docsync.WithRequestTimeout(timeout))
	defer c.Close()
	c.Start()
	d, err := c.Doc(a.DocID, map[string]any{})
	if err != nil {
		return err
	}
	select {
	case <-d.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := d.Set(a.Pointer, value); err != nil {
		return err
	}
	d.Flush()
	if err := c.Sync(ctx); err != nil {
		return err
	}

	// 提交失败时会重新同步，此时内容里看不到写入的值
	content, err := d.Content()
	if err != nil {
		return err
	}
	want, err := patch.Normalize(value)
	if err != nil {
		return err
	}
	got, ok := patch.Get(content, a.Pointer)
	if !ok || !patch.Equal(got, want) {
		return fmt.Errorf("set %s%s was not accepted by the server", a.DocID, a.Pointer)
	}
	fmt.Printf("%s v%d %s %s\n", a.DocID, d.Version(), a.Pointer, a.JSON)
	return nil
}

func runRm(a args) error {
	timeout, err := parseDuration(a.Timeout)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	b, err := wsbackend.Dial(ctx, a.URL)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.RemoveDocument(ctx, a.DocID); err != nil {
		return err
	}
	fmt.Printf("%s removed\n", a.DocID)
	return nil
}

// watch 打印每次内容变化和在线成员，直到 Ctrl-C 或连接断开
func runWatch(a args) error {
	interval, err := parseDuration(a.Heartbeat)
	if err != nil {
		return err
	}
	b, err := wsbackend.Dial(context.Background(), a.URL,
		wsbackend.WithHeartbeat(interval, a.Name),
		wsbackend.WithPresenceHandler(func(docID string, members []cache.PresenceMember) {
			fmt.Fprintf(os.Stderr, "[presence] %s: %d online\n", docID, len(members))
			for _, m := range members {
				fmt.Fprintf(os.Stderr, "  %s %s\n", m.ClientID, m.Name)
			}
		}),
	)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.Heartbeat(a.Name); err != nil {
		return err
	}

	c := docsync.NewCoordinator(b)
	defer c.Close()
	c.Start()
	d, err := c.Doc(a.DocID, map[string]any{})
	if err != nil {
		return err
	}
	unsubscribe := d.Subscribe(func(content any) {
		if err := printJSON(docsync.Snapshot{ID: d.ID(), Version: d.Version(), Content: content}); err != nil {
			glog.Warningf("print: %v", err)
		}
	})
	defer unsubscribe()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		return nil
	case <-b.Done():
		return wsbackend.ErrClosed
	}
}
