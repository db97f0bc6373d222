// Command hostcall-cli is a minimal REPL exercising a ModuleManager: load,
// list, call the loaded guest's "app" export, unload, help, exit.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/codec"
	wazeroengine "github.com/hostcall/hostcall-go/engines/wazero"
	"github.com/hostcall/hostcall-go/registry"
)

func usage() {
	fmt.Println("hostcall CLI")
	fmt.Println("load <*.wasm>            load/reload a guest module")
	fmt.Println("list                     list loaded modules")
	fmt.Println("call_app <name> <param>  call the loaded module's `app` export")
	fmt.Println("unload <name>            unload a module")
	fmt.Println("help                     show this message")
	fmt.Println("exit                     quit")
	fmt.Println()
}

type cli struct {
	ctx    context.Context
	engine *wazeroengine.Engine
	codec  codec.Codec
	mgr    *registry.ModuleManager
}

func (c *cli) load(path string) error {
	guestWasm, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m, err := c.mgr.Load(c.ctx, c.engine, guestWasm, c.codec, nil, nil)
	if err != nil {
		return err
	}
	fmt.Printf("[Host] loaded module: %s\n", m.Name())
	return nil
}

func (c *cli) list() {
	for _, hint := range c.mgr.ListHints() {
		fmt.Printf("- %s\n", hint)
	}
}

// callApp invokes the loaded module's "app" export, which must take one
// string argument and return one string — the CLI's only call shape, per
// the original implementation's `app(param: String) -> String` import.
func (c *cli) callApp(name, param string) error {
	hint := abi.GuestModule(name)
	m, ok := c.mgr.Resolve(hint)
	if !ok {
		fmt.Printf("[Host] no such module: %s\n", name)
		return nil
	}

	b := codec.NewArgsBuilder(c.codec)
	if err := b.Add(param); err != nil {
		return err
	}
	argBytes, err := b.Build()
	if err != nil {
		return err
	}

	raw, err := m.RequestAPI(c.ctx, abi.NewFunctionIdent("app", hint), argBytes)
	if err != nil {
		return err
	}
	var result string
	if err := c.codec.Unmarshal(raw, &result); err != nil {
		return err
	}
	fmt.Printf("[Host] result: %s\n", result)
	return nil
}

func (c *cli) unload(name string) error {
	hint := abi.GuestModule(name)
	m, ok := c.mgr.Unregister(hint)
	if !ok {
		fmt.Printf("[Host] no such module: %s\n", name)
		return nil
	}
	if err := m.Kill(c.ctx); err != nil {
		return err
	}
	fmt.Printf("[Host] unloaded module: %s\n", m.Name())
	return nil
}

func (c *cli) handle(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, rest := fields[0], fields[1:]
	switch cmd {
	case "load":
		if len(rest) < 1 {
			fmt.Println("[Host] usage: load <*.wasm>")
			return nil
		}
		return c.load(rest[0])
	case "list":
		c.list()
		return nil
	case "call_app":
		if len(rest) < 2 {
			fmt.Println("[Host] usage: call_app <name> <param>")
			return nil
		}
		return c.callApp(rest[0], strings.Join(rest[1:], " "))
	case "unload":
		if len(rest) < 1 {
			fmt.Println("[Host] usage: unload <name>")
			return nil
		}
		return c.unload(rest[0])
	case "help":
		usage()
		return nil
	case "exit":
		fmt.Println("Bye!")
		os.Exit(0)
		return nil
	default:
		fmt.Printf("[Host] unknown command: %s\n", cmd)
		return nil
	}
}

func main() {
	usage()

	c := &cli{
		ctx:    context.Background(),
		engine: wazeroengine.NewEngine(),
		codec:  codec.NewMsgpackCodec(),
		mgr:    registry.NewModuleManager(),
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(">> ")
		if !scanner.Scan() {
			fmt.Println("Bye!")
			return
		}
		if err := c.handle(scanner.Text()); err != nil {
			fmt.Printf("[Host] command failed: %v\n", err)
		}
		fmt.Println()
	}
}
