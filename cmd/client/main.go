// Demo RPC client calling the Calculator service.
//
// Usage:
//
//	client client            call a fixed server address
//	client client-registry   discover the server through the registry
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"meshrpc/client"
	"meshrpc/config"
	"meshrpc/loadbalance"
	"meshrpc/registry"
)

type Args struct {
	A, B int32
}

type Reply struct {
	Result int32
}

func usage() {
	fmt.Println("usage: client <mode>")
	fmt.Println("  client           call a fixed server address")
	fmt.Println("  client-registry  discover the server through the registry")
}

func main() {
	if len(os.Args) != 2 {
		usage()
		return
	}

	var c *client.Client
	switch os.Args[1] {
	case "client":
		c = client.NewDirect("127.0.0.1", 9000)
	case "client-registry":
		cfg := config.DefaultServerConfig()
		reg, err := registry.New(cfg.RegistryType, cfg.RegistryAddress,
			time.Duration(cfg.SessionTimeoutMs)*time.Millisecond)
		if err != nil {
			logrus.Errorf("registry: %v", err)
			os.Exit(1)
		}
		defer reg.Close()
		c = client.NewDiscovery(reg, "Calculator", loadbalance.NewRoundRobin())
	default:
		usage()
		return
	}
	defer c.Close()

	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)

	calls := []struct {
		method string
		args   Args
	}{
		{"Add", Args{A: 10, B: 20}},
		{"Sub", Args{A: 50, B: 8}},
		{"Mul", Args{A: 6, B: 7}},
		{"Div", Args{A: 84, B: 2}},
		{"Div", Args{A: 1, B: 0}},
	}

	for _, call := range calls {
		var reply Reply
		err := c.CallMethod("Calculator", call.method, &call.args, &reply)
		if err != nil {
			bad.Printf("%s(%d, %d) failed: %v\n", call.method, call.args.A, call.args.B, err)
			continue
		}
		good.Printf("%s(%d, %d) = %d\n", call.method, call.args.A, call.args.B, reply.Result)
	}
}
