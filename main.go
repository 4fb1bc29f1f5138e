package main

import (
	"bufio"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"chatrelay/config"
	"chatrelay/graph"
	"chatrelay/outgoing"
	"chatrelay/presence"
	"chatrelay/responder"
	"chatrelay/server"
)

const controlSocketPath = "/tmp/chatrelay.sock"

func main() {
	cfg := config.Load()

	// A store that fails its invariant checks keeps the relay from starting.
	g, err := graph.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("Failed to open graph store: %v", err)
	}
	defer g.Close()

	var rsp responder.Responder
	switch cfg.Responder {
	case "openai":
		rsp, err = responder.NewOpenAI(os.Getenv("OPENAI_API_KEY"), cfg.OpenAIModel)
		if err != nil {
			log.Fatalf("Failed to configure responder: %v", err)
		}
	default:
		rsp = responder.Canned{}
	}

	srvConfig := &server.Config{
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}

	srv := server.New(srvConfig, g, presence.NewTable(), outgoing.NewQueue(), rsp)

	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		log.Fatalf("Failed to listen on %s:%d: %v", cfg.Host, cfg.Port, err)
	}

	// Control socket for management commands
	go startControlSocket(srv, g)

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		srv.Shutdown("maintenance")
		listener.Close()
		os.Remove(controlSocketPath)
	}()

	if err := srv.Serve(listener); err != nil {
		log.Fatal(err)
	}
}

func startControlSocket(srv *server.Server, g *graph.Graph) {
	// Remove existing socket file
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	log.Printf("Control socket listening on %s", controlSocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, g, conn)
	}
}

func handleControlCommand(srv *server.Server, g *graph.Graph, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.Split(strings.TrimSpace(line), "|")
	cmd := parts[0]

	switch cmd {
	case "stats":
		conn.Write([]byte("OK|" + srv.Stats() + "\n"))

	case "friend", "unfriend":
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			conn.Write([]byte("ERROR|Usage: " + cmd + "|user1|user2\n"))
			return
		}

		var ok bool
		if cmd == "friend" {
			ok, err = g.AddEdge(parts[1], parts[2])
		} else {
			ok, err = g.RemoveEdge(parts[1], parts[2])
		}
		if err != nil {
			log.Printf("Control %s %s/%s failed: %v", cmd, parts[1], parts[2], err)
			conn.Write([]byte("ERROR|Internal error\n"))
			return
		}
		if !ok {
			conn.Write([]byte("ERROR|Unknown account or edge state already matches\n"))
			return
		}
		conn.Write([]byte("OK\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		log.Printf("Shutdown requested: reason=%s", reason)
		srv.Shutdown(reason)

		os.Remove(controlSocketPath)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
