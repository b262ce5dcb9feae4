package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type setGroupCommand struct {
	Name   string `long:"name" description:"Group display name"`
	Medium bool   `long:"medium" description:"Medium group: addressed by its own key, members are not fanned out"`
	Args   struct {
		GroupID string   `positional-arg-name:"group-id" required:"true" description:"Group id"`
		Members []string `positional-arg-name:"member" description:"Member device ids"`
	} `positional-args:"true" required:"true"`
}

func (cmd *setGroupCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	if err := c.SetGroup(ctx, cmd.Args.GroupID, cmd.Name, cmd.Medium, cmd.Args.Members); err != nil {
		return err
	}
	fmt.Printf("Group %s saved (%d members)\n", cmd.Args.GroupID, len(cmd.Args.Members))
	return nil
}
