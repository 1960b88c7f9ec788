package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kefu-chat/chatsync/internal/backend/fakebackend"
)

func handleMockBackend(args []string) error {
	fs := flag.NewFlagSet("mock-backend", flag.ContinueOnError)
	listen := fs.String("listen", "127.0.0.1:8480", "Listen address")
	appID := fs.String("app", "demo", "Application id to register")
	template := fs.String("template", "reply-notice", "Push template id issued at login (empty disables consent)")
	welcome := fs.String("welcome", "Hi! An agent will be with you shortly.", "Greeting sent after the first user message")
	fs.Usage = func() {
		fmt.Println("Usage: chatsync mock-backend [options]")
		fmt.Println()
		fmt.Println("Serve an in-memory chat backend. Agents reply with:")
		fmt.Println("  curl -X POST <url>/api/chat/cs/send -d '{\"openId\":\"...\",\"content\":\"hello\"}'")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}

	fb := fakebackend.New()
	fb.AddApp(*appID, fakebackend.App{TemplateID: *template, WelcomeMessage: *welcome})

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}
	origin := "http://" + ln.Addr().String()
	fb.SetPublicURL(origin)

	srv := &http.Server{Handler: fb.Handler(), ReadHeaderTimeout: 5 * time.Second}
	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Mock backend for app %q at %s/api/chat\n", *appID, origin)
	fmt.Printf("  export CHATSYNC_BASE_URL=%s/api/chat CHATSYNC_APP_ID=%s\n", origin, *appID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
