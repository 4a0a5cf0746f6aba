// Package runner owns the process lifecycle: it composes the call orchestrator from
// configuration, serves it, and drains live calls on shutdown.
package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the running phase. OnStart failing aborts Run before it reaches
// StateRunning; OnStop runs after the drain, whatever its outcome.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

// Drainer stops admitting work and waits for in-flight work, bounded by ctx.
type Drainer interface {
	Drain(ctx context.Context) error
}

var Version = "dev"

// BannerOutput is where PrintBanner writes; tests silence it.
var BannerOutput io.Writer = os.Stdout

func PrintBanner() {
	tpl := "{{ .Title \"CALLORCH\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(BannerOutput, true, false, bytes.NewBufferString(tpl))
}
