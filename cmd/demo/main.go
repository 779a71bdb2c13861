// The demo hosts a session, dials it over a loopback websocket and plays a
// short scripted skirmish between the two views, printing the transcript. It
// exercises the full stack: transport, prediction, diff broadcast and the
// terminal verdict.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"skirmish/netplay"
	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/config"
	"skirmish/netplay/internal/replay"
	"skirmish/netplay/internal/tactics"
	"skirmish/netplay/internal/ws"
	"skirmish/netplay/logging"
	loggingsinks "skirmish/netplay/logging/sinks"
)

const convergeTimeout = 5 * time.Second

func main() {
	seed := flag.Uint64("seed", 2026, "session seed driving the damage rolls")
	flag.Parse()

	if err := run(*seed); err != nil {
		pterm.Error.Printfln("demo failed: %v", err)
		os.Exit(1)
	}
}

func run(seed uint64) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	banner()

	// Session events below warning stay out of the transcript.
	logCfg := logging.DefaultConfig()
	logCfg.MinimumSeverity = logging.SeverityWarn
	router, err := logging.NewRouter(logging.SystemClock{}, logCfg, []logging.NamedSink{
		{Name: "console", Sink: loggingsinks.NewConsole(os.Stdout)},
	})
	if err != nil {
		return fmt.Errorf("construct logging router: %w", err)
	}
	defer router.Close(context.Background())

	conf := config.Default()

	doc, err := tactics.NewGame()
	if err != nil {
		return fmt.Errorf("build starting position: %w", err)
	}
	host, err := netplay.NewSession(netplay.SessionConfig{
		Mode:        netplay.ModeHost,
		Domain:      tactics.New(),
		Doc:         doc,
		SessionSeed: seed,
		Config:      conf,
		Publisher:   router,
	})
	if err != nil {
		return fmt.Errorf("create host session: %w", err)
	}

	handler := ws.NewHandler(host, ws.HandlerConfig{Logger: log.New(os.Stderr, "ws ", log.LstdFlags)})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.Handle)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)
	defer srv.Close()

	url := fmt.Sprintf("ws://%s/ws", listener.Addr())
	pterm.Info.Printfln("session %s (seed %d) listening on %s", host.ID(), seed, url)

	link, welcome, err := ws.Dial(ctx, url, ws.ClientConfig{})
	if err != nil {
		return fmt.Errorf("dial host: %w", err)
	}
	defer link.Close()

	guest, err := netplay.Join(welcome, link, netplay.JoinConfig{
		Domain:    tactics.New(),
		Config:    conf,
		Publisher: router,
	})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}

	go link.Run(guest)
	go host.Run(ctx)
	go guest.Run(ctx)

	pterm.Info.Printfln("guest joined as player %d", guest.LocalPlayer())
	renderBoard(host.Doc())

	if err := playScript(host, guest); err != nil {
		return err
	}

	pterm.Info.Printfln("guest concedes")
	guest.Forfeit(guest.LocalPlayer())
	result, err := waitVerdict(host, guest)
	if err != nil {
		return err
	}

	pterm.DefaultBox.WithTitle("match result").Println(result.String())

	rec, ok := host.Recording()
	if !ok {
		return nil
	}
	rerun, err := replay.Run(rec, tactics.New())
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if rerun.Checksum == host.Checksum() {
		pterm.Success.Printfln("replay of %d actions reproduces checksum %s", rerun.Actions, rerun.Checksum)
	} else {
		pterm.Warning.Printfln("replay checksum %s does not match live %s", rerun.Checksum, host.Checksum())
	}
	return nil
}

// playScript walks both players through an opening: the squads advance, the
// host's archer focuses the guest's archer down, then the turn passes back.
func playScript(host, guest *netplay.Session) error {
	if err := act(host, guest, host, "host advances an archer", func() (action.Action, error) {
		return tactics.MoveAction(host.LocalPlayer(), 0, "p0-archer-1", 3, 3)
	}); err != nil {
		return err
	}
	if err := act(host, guest, host, "host ends the turn", func() (action.Action, error) {
		return tactics.EndTurnAction(host.LocalPlayer(), 0)
	}); err != nil {
		return err
	}

	if err := act(host, guest, guest, "guest advances an archer", func() (action.Action, error) {
		return tactics.MoveAction(guest.LocalPlayer(), 0, "p1-archer-1", 4, 4)
	}); err != nil {
		return err
	}
	if err := act(host, guest, guest, "guest ends the turn", func() (action.Action, error) {
		return tactics.EndTurnAction(guest.LocalPlayer(), 0)
	}); err != nil {
		return err
	}
	renderBoard(host.Doc())

	// Attack until the target falls; three hits always suffice.
	for i := 0; i < 3; i++ {
		if _, alive := host.Doc().Entity("p1-archer-1"); !alive {
			break
		}
		if err := act(host, guest, host, "host archer fires", func() (action.Action, error) {
			return tactics.AttackAction(host.LocalPlayer(), 0, "p0-archer-1", "p1-archer-1")
		}); err != nil {
			return err
		}
	}
	renderBoard(host.Doc())
	return nil
}

// act submits one scripted intent on the acting session and waits for both
// views to agree on the outcome.
func act(host, guest, actor *netplay.Session, note string, build func() (action.Action, error)) error {
	intent, err := build()
	if err != nil {
		return fmt.Errorf("%s: %w", note, err)
	}
	sub, err := actor.Submit(intent)
	if err != nil {
		return fmt.Errorf("%s: %w", note, err)
	}
	if !sub.Queued && !sub.Result.Accepted {
		reason := "refused"
		if sub.Result.Rejection != nil {
			reason = sub.Result.Rejection.Reason
		}
		pterm.Warning.Printfln("%s: %s", note, reason)
		return nil
	}
	pterm.Info.Printfln("%s", note)
	return waitConverge(host, guest)
}

func waitConverge(host, guest *netplay.Session) error {
	deadline := time.Now().Add(convergeTimeout)
	for time.Now().Before(deadline) {
		if host.Counter() == guest.Counter() && host.Checksum() == guest.Checksum() && guest.Diagnostics().QueueDepth == 0 {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("views did not converge within %s (host %s/%d, guest %s/%d)",
		convergeTimeout, host.Checksum(), host.Counter(), guest.Checksum(), guest.Counter())
}

func waitVerdict(host, guest *netplay.Session) (netplay.GameResult, error) {
	deadline := time.Now().Add(convergeTimeout)
	for time.Now().Before(deadline) {
		hostResult, hostOver := host.Result()
		_, guestOver := guest.Result()
		if hostOver && guestOver {
			return hostResult, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return netplay.GameResult{}, fmt.Errorf("no verdict within %s", convergeTimeout)
}

func banner() {
	title, err := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("Skir", pterm.FgLightCyan.ToStyle()),
		putils.LettersFromStringWithStyle("mish", pterm.FgLightMagenta.ToStyle()),
	).Srender()
	if err != nil {
		return
	}
	pterm.Print(title)
}
