// Command dbus is a grab bag of bus debugging tools: listing names,
// monitoring traffic, calling methods and dumping introspection
// documents.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/mds/slice"
	"github.com/foobarnz/dbus"
	"github.com/foobarnz/dbus/fragments"
	"github.com/kr/pretty"
)

var globalArgs struct {
	UseSessionBus bool `flag:"session,Connect to session bus instead of system bus"`
}

var monitorArgs struct {
	Interface string `flag:"interface,Only show messages with this interface"`
	Member    string `flag:"member,Only show messages with this member"`
	Path      string `flag:"path,Only show messages with this object path"`
	Sender    string `flag:"sender,Only show messages from this sender"`
}

var namesArgs struct {
	Filter string `flag:"filter,Regexp filter for bus names"`
}

func busConn(ctx context.Context) (*dbus.Conn, error) {
	if globalArgs.UseSessionBus {
		return dbus.SessionBus(ctx)
	}
	return dbus.SystemBus(ctx)
}

func main() {
	root := &command.C{
		Name:     "dbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:     "names",
				Usage:    "names",
				Help:     "List names currently registered on the bus.",
				SetFlags: command.Flags(flax.MustBind, &namesArgs),
				Run:      command.Adapt(runNames),
			},
			{
				Name:     "monitor",
				Usage:    "monitor",
				Help:     "Print matching bus traffic until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &monitorArgs),
				Run:      command.Adapt(runMonitor),
			},
			{
				Name:  "call",
				Usage: "call destination path interface member [string-arg...]",
				Help: `Call a method and print its reply.

Arguments after the member name are sent as string arguments. The
reply body is decoded generically and pretty-printed.`,
				Run: runCall,
			},
			{
				Name:  "introspect",
				Usage: "introspect destination path",
				Help:  "Print a peer object's introspection document.",
				Run:   command.Adapt(runIntrospect),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runNames(env *command.Env) error {
	ctx := env.Context()
	conn, err := busConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	body, err := call(ctx, conn, "org.freedesktop.DBus", "/org/freedesktop/DBus",
		"org.freedesktop.DBus", "ListNames", nil)
	if err != nil {
		return err
	}
	if len(body) != 1 {
		return fmt.Errorf("unexpected ListNames reply shape %v", body)
	}
	raw, ok := body[0].([]any)
	if !ok {
		return fmt.Errorf("unexpected ListNames reply type %T", body[0])
	}
	var names []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}
	if namesArgs.Filter != "" {
		f, err := regexp.Compile(namesArgs.Filter)
		if err != nil {
			return err
		}
		names = slices.Collect(slice.Select(names, f.MatchString))
	}

	q := heapq.New(strings.Compare)
	for _, n := range names {
		q.Add(n)
	}
	for !q.IsEmpty() {
		n, _ := q.Pop()
		fmt.Println(n)
	}
	return nil
}

func runMonitor(env *command.Env) error {
	ctx := env.Context()
	conn, err := busConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	rule := dbus.NewMatch().Type(dbus.TypeSignal)
	if monitorArgs.Interface != "" {
		rule.Interface(monitorArgs.Interface)
	}
	if monitorArgs.Member != "" {
		rule.Member(monitorArgs.Member)
	}
	if monitorArgs.Path != "" {
		rule.Path(dbus.ObjectPath(monitorArgs.Path))
	}
	if monitorArgs.Sender != "" {
		rule.Sender(monitorArgs.Sender)
	}

	h := conn.AddMatch(rule, printMsg, dbus.MatchOptions{})
	defer conn.RemoveMatch(h)

	// Ask the daemon to route the matching traffic to us.
	if _, err := call(ctx, conn, "org.freedesktop.DBus", "/org/freedesktop/DBus",
		"org.freedesktop.DBus", "AddMatch", []string{rule.BusRule()}); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("call requires destination, path, interface and member arguments.")
	}
	dest, path, iface, member := env.Args[0], env.Args[1], env.Args[2], env.Args[3]
	args := env.Args[4:]

	ctx := env.Context()
	conn, err := busConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	body, err := call(ctx, conn, dest, dbus.ObjectPath(path), iface, member, args)
	if err != nil {
		return err
	}
	for _, v := range body {
		pretty.Println(v)
	}
	return nil
}

func runIntrospect(env *command.Env, dest, path string) error {
	ctx := env.Context()
	conn, err := busConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	body, err := call(ctx, conn, dest, dbus.ObjectPath(path),
		"org.freedesktop.DBus.Introspectable", "Introspect", nil)
	if err != nil {
		return err
	}
	if len(body) == 1 {
		if s, ok := body[0].(string); ok {
			fmt.Print(s)
			return nil
		}
	}
	return fmt.Errorf("unexpected Introspect reply shape %v", body)
}

func printMsg(msg *dbus.Message) {
	body, err := msg.DecodeBody()
	if err != nil {
		fmt.Printf("%s %s.%s from %s: undecodable body (%v)\n",
			msg.Type, msg.Interface, msg.Member, msg.Sender, err)
		return
	}
	fmt.Printf("%s %s.%s path=%s sender=%s\n", msg.Type, msg.Interface, msg.Member, msg.Path, msg.Sender)
	for _, v := range body {
		fmt.Printf("  %s\n", pretty.Sprint(v))
	}
}

// call sends one method call, with optional string arguments, and
// blocks for its reply body.
func call(ctx context.Context, conn *dbus.Conn, dest string, path dbus.ObjectPath, iface, member string, args []string) ([]any, error) {
	type result struct {
		body []any
		err  error
	}
	ch := make(chan result, 1)

	serial := conn.NextSerial()
	conn.AddReply(dbus.Reply{
		Remote: dest,
		Serial: serial,
		OnReply: func(msg *dbus.Message) {
			body, err := msg.DecodeBody()
			ch <- result{body, err}
		},
		OnError: func(msg *dbus.Message) {
			detail, _ := msg.ParseArgs()
			var d string
			if len(detail) > 0 && detail[0].OK {
				d = detail[0].Value
			}
			ch <- result{nil, dbus.CallError{Name: msg.ErrName, Detail: d}}
		},
	})

	f := dbus.NewCall(dest, path, iface, member).SetSerial(serial)
	if len(args) > 0 {
		f.Args(func(enc *fragments.Encoder) error {
			for _, a := range args {
				enc.String(a)
			}
			return nil
		})
	}
	if err := f.SendTo(conn); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
