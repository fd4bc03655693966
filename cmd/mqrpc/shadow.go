package main

import (
	"encoding/json"
	"fmt"

	"github.com/raskyld/mqrpc/pkg/shadow"
)

type shadowCmd struct {
	Get    shadowGetCmd    `cmd:"" help:"Print a shadow document."`
	Update shadowUpdateCmd `cmd:"" help:"Merge a state into a shadow document."`
	Delete shadowDeleteCmd `cmd:"" help:"Delete a shadow document."`
	Watch  shadowWatchCmd  `cmd:"" help:"Print delta and document events until interrupted."`
}

type shadowTarget struct {
	Thing  string `help:"Name of the thing." required:""`
	Shadow string `help:"Name of a named shadow, the classic shadow is used when empty."`
}

type shadowGetCmd struct {
	Target shadowTarget `embed:""`
}

func (c *shadowGetCmd) Run(a *app) error {
	ctx, cancel := a.request()
	defer cancel()

	cl := shadow.NewClient(a.engine)
	var (
		resp *shadow.GetShadowResponse
		err  error
	)
	if c.Target.Shadow == "" {
		resp, err = cl.GetShadow(ctx, &shadow.GetShadowRequest{ThingName: c.Target.Thing}).Wait(ctx)
	} else {
		req := &shadow.GetNamedShadowRequest{ShadowName: c.Target.Shadow}
		req.ThingName = c.Target.Thing
		resp, err = cl.GetNamedShadow(ctx, req).Wait(ctx)
	}
	if err != nil {
		return err
	}
	return a.print(resp)
}

type shadowUpdateCmd struct {
	Target  shadowTarget `embed:""`
	State   string       `help:"JSON state with a desired and/or reported object." required:""`
	Version int64        `help:"Fail unless the document is at this version."`
}

func (c *shadowUpdateCmd) Run(a *app) error {
	state := &shadow.ShadowState{}
	if err := json.Unmarshal([]byte(c.State), state); err != nil {
		return fmt.Errorf("invalid --state: %w", err)
	}

	ctx, cancel := a.request()
	defer cancel()

	cl := shadow.NewClient(a.engine)
	req := shadow.UpdateShadowRequest{
		ThingName: c.Target.Thing,
		State:     state,
		Version:   c.Version,
	}
	var (
		resp *shadow.UpdateShadowResponse
		err  error
	)
	if c.Target.Shadow == "" {
		resp, err = cl.UpdateShadow(ctx, &req).Wait(ctx)
	} else {
		resp, err = cl.UpdateNamedShadow(ctx, &shadow.UpdateNamedShadowRequest{
			UpdateShadowRequest: req,
			ShadowName:          c.Target.Shadow,
		}).Wait(ctx)
	}
	if err != nil {
		return err
	}
	return a.print(resp)
}

type shadowDeleteCmd struct {
	Target shadowTarget `embed:""`
}

func (c *shadowDeleteCmd) Run(a *app) error {
	ctx, cancel := a.request()
	defer cancel()

	cl := shadow.NewClient(a.engine)
	req := shadow.DeleteShadowRequest{ThingName: c.Target.Thing}
	var (
		resp *shadow.DeleteShadowResponse
		err  error
	)
	if c.Target.Shadow == "" {
		resp, err = cl.DeleteShadow(ctx, &req).Wait(ctx)
	} else {
		resp, err = cl.DeleteNamedShadow(ctx, &shadow.DeleteNamedShadowRequest{
			DeleteShadowRequest: req,
			ShadowName:          c.Target.Shadow,
		}).Wait(ctx)
	}
	if err != nil {
		return err
	}
	return a.print(resp)
}

type shadowWatchCmd struct {
	Target shadowTarget `embed:""`
}

func (c *shadowWatchCmd) Run(a *app) error {
	ctx, cancel := a.request()
	defer cancel()

	cl := shadow.NewClient(a.engine)
	thing, name := c.Target.Thing, c.Target.Shadow
	if name == "" {
		deltas, err := cl.SubscribeToDeltaUpdatedEvents(ctx, thing, printer[*shadow.ShadowDeltaUpdatedEvent](a))
		if err != nil {
			return err
		}
		docs, err := cl.SubscribeToUpdatedEvents(ctx, thing, printer[*shadow.ShadowUpdatedEvent](a))
		if err != nil {
			deltas.Close()
			return err
		}
		return a.watch(deltas, docs)
	}

	deltas, err := cl.SubscribeToNamedDeltaUpdatedEvents(ctx, thing, name, printer[*shadow.ShadowDeltaUpdatedEvent](a))
	if err != nil {
		return err
	}
	docs, err := cl.SubscribeToNamedUpdatedEvents(ctx, thing, name, printer[*shadow.ShadowUpdatedEvent](a))
	if err != nil {
		deltas.Close()
		return err
	}
	return a.watch(deltas, docs)
}
