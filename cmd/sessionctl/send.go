package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sendCommand struct {
	Args struct {
		User    string `positional-arg-name:"user" required:"true" description:"User id"`
		Message string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	id, err := c.SendText(ctx, cmd.Args.User, cmd.Args.Message)
	if err != nil {
		return err
	}
	settle(ctx, c)
	fmt.Printf("Message %s queued for %s\n", id, cmd.Args.User)
	return nil
}

type sendDevicesCommand struct {
	Message string `short:"m" long:"message" required:"true" description:"Text message to send"`
	Args    struct {
		Devices []string `positional-arg-name:"device" required:"1" description:"Device ids"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendDevicesCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	id, err := c.SendToDevices(ctx, cmd.Args.Devices, cmd.Message)
	if err != nil {
		return err
	}
	settle(ctx, c)
	fmt.Printf("Message %s queued for %d device(s)\n", id, len(cmd.Args.Devices))
	return nil
}

type sendGroupCommand struct {
	Args struct {
		GroupID string `positional-arg-name:"group-id" required:"true" description:"Closed group id"`
		Message string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendGroupCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	group, err := c.GetGroup(ctx, cmd.Args.GroupID)
	if err != nil {
		return fmt.Errorf("get group: %w", err)
	}
	if group == nil {
		return fmt.Errorf("group not found: %s", cmd.Args.GroupID)
	}
	groupName := group.Name
	if groupName == "" {
		groupName = cmd.Args.GroupID
	}

	id, err := c.SendGroup(ctx, cmd.Args.GroupID, cmd.Args.Message)
	if err != nil {
		return err
	}
	settle(ctx, c)
	fmt.Printf("Message %s queued for group %q\n", id, groupName)
	return nil
}

type sendOpenGroupCommand struct {
	Args struct {
		Room    string `positional-arg-name:"room-url" required:"true" description:"Room URL (https://server/room)"`
		Message string `positional-arg-name:"message" required:"true" description:"Text message to post"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendOpenGroupCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	id, err := c.SendOpenGroup(ctx, cmd.Args.Room, cmd.Args.Message)
	if err != nil {
		return err
	}
	fmt.Printf("Message %s posted to %s\n", id, cmd.Args.Room)
	return nil
}

type endSessionCommand struct {
	Args struct {
		Device string `positional-arg-name:"device" required:"true" description:"Device id"`
	} `positional-args:"true" required:"true"`
}

func (cmd *endSessionCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	return c.EndSession(ctx, cmd.Args.Device)
}
