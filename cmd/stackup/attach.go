package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/servvia/stackup/internal/backend/exec"
	"github.com/servvia/stackup/internal/dirs"
)

// cmdAttach bridges the local terminal to a TTY service's pseudo-terminal.
// The terminal size is fixed at attach time; Ctrl+\ detaches without
// stopping the service.
func cmdAttach(name string) {
	cfg := loadConfig()
	if _, err := cfg.Service(name); err != nil {
		fatal("%v", err)
	}

	stdinFd := int(os.Stdin.Fd())
	rows, cols := 24, 80
	if term.IsTerminal(stdinFd) {
		if c, r, err := term.GetSize(stdinFd); err == nil {
			rows, cols = r, c
		}
	}

	conn, err := exec.Dial(context.Background(), dirs.RuntimeDir(), cfg.Project, name, rows, cols)
	if err != nil {
		fatal("attaching to %s: %v", name, err)
	}
	defer conn.Close()

	var oldState *term.State
	if term.IsTerminal(stdinFd) {
		oldState, err = term.MakeRaw(stdinFd)
		if err != nil {
			fatal("setting raw mode: %v", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				os.Stdout.Write(buf[:n])
			}
			if err != nil {
				finish()
				return
			}
		}
	}()

	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				if buf[0] == 0x1c { // Ctrl+\ to detach
					finish()
					return
				}
				if _, err := conn.Write(buf[:n]); err != nil {
					return
				}
			}
		}
	}()

	<-done

	if oldState != nil {
		term.Restore(stdinFd, oldState)
	}
	fmt.Println("\r[detached]")
}
