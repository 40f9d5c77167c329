// Command takeview serves a recorded take and its per-layer activity
// timeline as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"vjrun/lib/show"
)

type takeServer struct {
	take     *show.AutomationLog
	timeline *Timeline
}

func (s *takeServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/take", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, s.take)
	})
	mux.HandleFunc("GET /api/timeline", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, s.timeline)
	})
	return mux
}

func (s *takeServer) reply(w http.ResponseWriter, v any) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(append(body, '\n'))
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	runAndExit := flag.String("run-and-exit", "", "serve while this command runs, then exit with its status")
	flag.Parse()

	if err := run(*addr, flag.Arg(0), strings.Fields(*runAndExit)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run serves the take at path, or a generated one when path is empty.
func run(addr, path string, command []string) error {
	take := GenerateMockTake(6, 200, 3000)
	if path != "" {
		var err error
		if take, err = show.LoadLog(path); err != nil {
			return err
		}
	}
	timeline, err := BuildTimeline(take)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: (&takeServer{take: take, timeline: timeline}).routes()}
	slog.Info("serving take", "addr", ln.Addr().String(), "layers", len(timeline.Tracks), "frames", take.TotalFrames)

	if len(command) == 0 {
		return srv.Serve(ln)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("server stopped", "error", err)
		}
	}()
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmdErr := cmd.Run()
	srv.Shutdown(context.Background())
	return cmdErr
}
