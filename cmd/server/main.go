// Demo RPC server hosting a Calculator service.
//
// Usage:
//
//	server server            run without a registry
//	server server-registry   run and register with the registry
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"meshrpc/config"
	"meshrpc/middleware"
	"meshrpc/server"
)

type Args struct {
	A, B int32
}

type Reply struct {
	Result int32
}

type Calculator struct{}

func (c *Calculator) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (c *Calculator) Sub(args *Args, reply *Reply) error {
	reply.Result = args.A - args.B
	return nil
}

func (c *Calculator) Mul(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

func (c *Calculator) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("division by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

func usage() {
	fmt.Println("usage: server <mode>")
	fmt.Println("  server           run without a registry")
	fmt.Println("  server-registry  run and register with the registry")
}

func main() {
	if len(os.Args) != 2 {
		usage()
		return
	}

	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 9000

	switch os.Args[1] {
	case "server":
	case "server-registry":
		cfg.EnableRegistry = true
	default:
		usage()
		return
	}

	svr := server.New(cfg)
	svr.Use(middleware.Recovery())
	svr.Use(middleware.Logging())
	if err := svr.Register(&Calculator{}); err != nil {
		logrus.Errorf("register calculator: %v", err)
		os.Exit(1)
	}

	if err := svr.Start(); err != nil {
		logrus.Errorf("server start: %v", err)
		os.Exit(1)
	}

	banner := color.New(color.FgGreen, color.Bold)
	banner.Printf("calculator server listening on %s", svr.Addr())
	if cfg.EnableRegistry {
		banner.Printf(" (registry %s)", cfg.RegistryAddress)
	}
	fmt.Println()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	svr.Stop()
}
