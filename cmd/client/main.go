package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aeolun/parley/pkg/client"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	server := flag.String("server", "localhost:7465", "Server address (host:port)")
	useTLS := flag.Bool("tls", true, "Connect with TLS")
	insecure := flag.Bool("insecure", false, "Skip TLS certificate verification")
	tokenPath := flag.String("token-file", "", "Path to the saved session token (default: ~/.parley-client/token)")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Parley Client %s\n", Version)
		os.Exit(0)
	}

	if *tokenPath == "" {
		path, err := client.DefaultTokenPath()
		if err != nil {
			log.Fatalf("Failed to resolve token path: %v", err)
		}
		*tokenPath = path
	}

	conn := client.NewConnection(*server, client.Options{
		TLS:                *useTLS,
		InsecureSkipVerify: *insecure,
	})
	if err := conn.Connect(); err != nil {
		log.Fatalf("%v", err)
	}
	defer conn.Close()

	saved, err := client.LoadToken(*tokenPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Warning: failed to read saved token:", err)
	}

	// Print server output as it arrives. The reconnect prompt is answered
	// from the saved token when we have one.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range conn.Lines() {
			fmt.Println(line)
			switch line {
			case "Token: ":
				if saved != "" {
					fmt.Println("(using saved session token)")
					conn.SetToken(saved)
					conn.Send(saved)
				}
			case "Token not found":
				client.ClearToken(*tokenPath)
			}
		}
		if err := <-conn.Errors(); err != nil {
			fmt.Fprintln(os.Stderr, "Connection lost:", err)
		}
	}()

	// Forward stdin. The connection layer handles token framing, so a plain
	// enter press advances menus and everything else is sent as typed.
	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		if err := conn.Send(strings.TrimRight(stdin.Text(), "\r")); err != nil {
			break
		}
		// Stow the token as soon as we have one, so a crashed or closed
		// client can reconnect without signing in again.
		if token := conn.Token(); token != "" {
			if err := client.SaveToken(*tokenPath, token); err != nil {
				fmt.Fprintln(os.Stderr, "Warning: failed to save token:", err)
			}
		}
		select {
		case <-done:
			return
		default:
		}
	}
}
