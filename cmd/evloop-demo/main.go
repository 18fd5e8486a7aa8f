// Command evloop-demo starts a loop with a ticker, a SIGINT watch, and a
// worker-pool job, and runs it until the fifth tick or SIGINT.
package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	evloop "github.com/behrlich/go-evloop"
)

func main() {
	l, err := evloop.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "evloop-demo: %v\n", err)
		os.Exit(1)
	}
	defer l.Unref()

	ticks := 0
	tk := evloop.NewTicker(500_000, func(_ *evloop.Timer) {
		ticks++
		fmt.Printf("tick %d\n", ticks)
		if ticks >= 5 {
			l.Exit()
		}
	})
	if err := tk.Start(l); err != nil {
		fmt.Fprintf(os.Stderr, "evloop-demo: start ticker: %v\n", err)
		os.Exit(1)
	}
	defer tk.Unref()

	sig := evloop.NewSignal(int(unix.SIGINT), func(_ *evloop.Signal) {
		fmt.Println("interrupted, exiting")
		l.Exit()
	})
	if err := sig.Start(l); err != nil {
		fmt.Fprintf(os.Stderr, "evloop-demo: start signal: %v\n", err)
		os.Exit(1)
	}
	defer sig.Unref()

	w := evloop.NewWork(
		func() any { return "background job complete" },
		func(_ *evloop.Work, result any) { fmt.Println(result) },
	)
	if err := w.Start(l); err != nil {
		fmt.Fprintf(os.Stderr, "evloop-demo: start work: %v\n", err)
		os.Exit(1)
	}
	defer w.Unref()

	l.Run()
}
