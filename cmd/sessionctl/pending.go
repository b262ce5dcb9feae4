package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	session "github.com/avinashbhat/session-desktop"
)

// settleTimeout bounds how long a one-shot command waits for deliveries.
const settleTimeout = 15 * time.Second

// settle waits until nothing is staged, the timeout passes or ctx ends.
// Whatever is still staged is picked up by the next run.
func settle(ctx context.Context, c *session.Client) {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if n, err := c.Pending(ctx); err != nil || n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

type pendingCommand struct{}

func (cmd *pendingCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	n, err := c.Pending(ctx)
	if err != nil {
		return err
	}
	devices, err := c.StagedDevices(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Staged messages: %d across %d device(s)\n", n, len(devices))
	for _, d := range devices {
		fmt.Printf("  %s\n", d)
	}
	return nil
}

type drainCommand struct {
	NoWait bool `long:"no-wait" description:"Do not wait for deliveries to finish"`
}

func (cmd *drainCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	if err := c.DrainAll(ctx); err != nil {
		return err
	}
	if !cmd.NoWait {
		settle(ctx, c)
	}
	n, err := c.Pending(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Drain done, %d message(s) still staged\n", n)
	return nil
}
