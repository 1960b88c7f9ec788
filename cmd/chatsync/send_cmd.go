package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kefu-chat/chatsync/internal/config"
	"github.com/kefu-chat/chatsync/internal/platform"
	"github.com/kefu-chat/chatsync/internal/session"
)

func handleSend(configPath string, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	message := fs.String("m", "", "Message text (alternative to positional text)")
	image := fs.Bool("image", false, "Send a picture from the album instead of text")
	query := fs.String("query", "", "Album file name to match (fuzzy) with --image")
	camera := fs.Bool("camera", false, "Send the next photo dropped into picker.camera_dir")
	wait := fs.Duration("wait", 15*time.Second, "How long to wait for login")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	quiet := fs.Bool("q", false, "Quiet mode")
	fs.Usage = func() {
		fmt.Println("Usage: chatsync send [options] [text...]")
		fmt.Println()
		fmt.Println("Send one message, refresh the transcript and exit.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  chatsync send \"my parcel has not arrived\"")
		fmt.Println("  chatsync send --image --query receipt")
		fmt.Println("  chatsync send --camera")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}

	out := NewCLIOutput(*jsonOutput, *quiet)
	text := firstNonEmpty(*message, strings.Join(fs.Args(), " "))
	sendImage := *image || *camera
	if sendImage && text != "" {
		return errors.New("text and --image/--camera are mutually exclusive")
	}

	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var notices io.Writer = os.Stderr
	if *quiet || *jsonOutput {
		notices = io.Discard
	}
	consent, err := oneShotConsent(a.cfg.Consent.Mode, isTerminal(os.Stdin))
	if err != nil {
		return err
	}
	engine, err := a.newEngine(consent, a.filePicker(), platform.NewWriterNotifier(notices))
	if err != nil {
		return err
	}
	defer stopEngine(engine)

	if err := engine.Start(ctx); err != nil {
		return err
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, *wait)
	defer waitCancel()
	if err := engine.WaitIdentified(waitCtx); err != nil {
		out.Error("could not log in: "+err.Error(), ErrCodeNotIdentified)
		return errSilentExit
	}

	if sendImage {
		req := session.PickRequest{Sources: []session.ImageSource{session.SourceAlbum}, Query: *query}
		if *camera {
			req = session.PickRequest{Sources: []session.ImageSource{session.SourceCamera}}
		}
		err = engine.Dispatcher.SendImage(ctx, req)
	} else {
		engine.Dispatcher.Draft().Set(text)
		err = engine.Dispatcher.SendText(ctx)
	}
	if err != nil {
		out.Error(err.Error(), sendErrorCode(err))
		return errSilentExit
	}

	// Wait for the consent answer and the post-send refresh before reporting.
	engine.Auth.Wait()
	engine.History.Wait()
	snap := engine.View.Snapshot()
	out.Success(fmt.Sprintf("Sent (%d messages in conversation)", len(snap.Messages)), map[string]any{
		"success":  true,
		"open_id":  engine.Session.OpenID(),
		"messages": len(snap.Messages),
		"push":     engine.Session.AuthState().String(),
	})
	return nil
}

// errSilentExit marks failures already reported through CLIOutput.
var errSilentExit = errors.New("")

// oneShotConsent picks the dialog for commands without a UI: a terminal
// question when prompting is possible, otherwise a dialog that fails so the
// next run may ask again.
func oneShotConsent(mode string, interactive bool) (session.ConsentDialog, error) {
	if mode != config.ConsentPrompt {
		return scriptedConsent(mode)
	}
	if interactive {
		return newLineConsent(os.Stdin, os.Stderr), nil
	}
	return platform.NewScriptedConsent(config.ConsentFail)
}

func sendErrorCode(err error) string {
	var stageErr *session.StageError
	if !errors.As(err, &stageErr) {
		return ErrCodeSendFailed
	}
	switch stageErr.Stage {
	case session.StageValidate:
		return ErrCodeEmptyMessage
	case session.StagePick:
		if errors.Is(err, session.ErrPickCanceled) {
			return ErrCodePickCanceled
		}
		return ErrCodeImageFailed
	case session.StageUpload, session.StageParse:
		return ErrCodeImageFailed
	default:
		return ErrCodeSendFailed
	}
}
