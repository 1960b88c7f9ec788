package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kefu-chat/chatsync/internal/session"
	"github.com/kefu-chat/chatsync/internal/web"
)

// webOptions are the web command flags layered over [web] config.
type webOptions struct {
	listen string
	token  string
	push   bool
}

func parseWebFlags(args []string, defaults webOptions) (webOptions, error) {
	fs := flag.NewFlagSet("web", flag.ContinueOnError)
	listen := fs.String("listen", defaults.listen, "Listen address for web server")
	token := fs.String("token", defaults.token, "Bearer token for API/WS access")
	push := fs.Bool("push", defaults.push, "Enable web push notifications for support replies")
	fs.Usage = func() {
		fmt.Println("Usage: chatsync web [options]")
		fmt.Println()
		fmt.Println("Serve the chat to a browser. Consent prompts, notices and the")
		fmt.Println("transcript are pushed over a WebSocket.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  chatsync web")
		fmt.Println("  chatsync web --listen 0.0.0.0:8470 --token s3cret")
		fmt.Println("  chatsync web --push")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return webOptions{}, err
	}
	if fs.NArg() > 0 {
		return webOptions{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return webOptions{listen: *listen, token: *token, push: *push}, nil
}

func handleWeb(configPath string, args []string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	opts, err := parseWebFlags(args, webOptions{
		listen: a.cfg.Web.Listen,
		token:  a.cfg.Web.Token,
		push:   a.cfg.Web.Push,
	})
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	a.watchCrashDumps(ctx)

	broker := web.NewConsentBroker()
	notices := web.NewNoticeHub()
	var consent session.ConsentDialog = broker
	if scripted, err := scriptedConsent(a.cfg.Consent.Mode); err != nil {
		return err
	} else if scripted != nil {
		consent = scripted
	}

	picker := &web.RequestPicker{
		Fallback:     a.filePicker(),
		Original:     a.cfg.Picker.Original,
		MaxDimension: a.cfg.Picker.MaxDimension,
		JPEGQuality:  a.cfg.Picker.JPEGQuality,
	}
	engine, err := a.newEngine(consent, picker, notices)
	if err != nil {
		return err
	}
	defer stopEngine(engine)

	cfg := web.Config{
		ListenAddr:    opts.listen,
		Token:         opts.token,
		Engine:        engine,
		Consent:       broker,
		Notices:       notices,
		State:         a.state,
		RatePerSecond: a.cfg.Web.RatePerSecond,
		Burst:         a.cfg.Web.Burst,
	}
	if opts.push {
		if a.state == nil {
			return errors.New("--push needs the local cache to keep VAPID keys; enable [cache]")
		}
		pub, priv, generated, err := web.EnsurePushVAPIDKeys(a.state, a.cfg.Web.VAPIDSubject)
		if err != nil {
			return fmt.Errorf("failed to prepare web push keys: %w", err)
		}
		if generated {
			fmt.Println("Push keys: generated new VAPID keypair")
		} else {
			fmt.Println("Push keys: using existing VAPID keypair")
		}
		cfg.PushVAPIDPublicKey = pub
		cfg.PushVAPIDPrivateKey = priv
		cfg.PushVAPIDSubject = a.cfg.Web.VAPIDSubject
	}

	server, err := web.NewServer(cfg)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	url := "http://" + opts.listen + "/"
	if opts.token != "" {
		url += "?token=" + opts.token
	}
	fmt.Printf("Chat available at %s\n", url)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		cliLog.Info("web_shutdown", slog.String("addr", opts.listen))
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
