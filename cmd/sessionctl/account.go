package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type initCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" description:"Display name"`
	} `positional-args:"true"`
}

func (cmd *initCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	acct, err := c.CreateAccount(ctx, cmd.Args.Name)
	if err != nil {
		return err
	}
	fmt.Printf("Account created.\n  Device: %s\n", acct.DeviceID)
	return nil
}

type whoamiCommand struct{}

func (cmd *whoamiCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	acct, err := c.Account()
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("no account, run 'sessionctl init' first")
	}
	fmt.Println("Account info:")
	fmt.Printf("  Name:    %s\n", acct.Name)
	fmt.Printf("  User:    %s\n", acct.UserID)
	fmt.Printf("  Device:  %s\n", acct.DeviceID)
	return nil
}

type linkDeviceCommand struct {
	Args struct {
		User   string `positional-arg-name:"user" required:"true" description:"User id (the user's primary device id)"`
		Device string `positional-arg-name:"device" required:"true" description:"Device id (66 hex characters)"`
	} `positional-args:"true" required:"true"`
}

func (cmd *linkDeviceCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	if err := c.LinkDevice(ctx, cmd.Args.User, cmd.Args.Device); err != nil {
		return err
	}
	fmt.Printf("Linked %s to %s\n", cmd.Args.Device, cmd.Args.User)
	return nil
}
