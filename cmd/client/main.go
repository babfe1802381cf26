package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/Tyrowin/gorelay/internal/discovery"
	"github.com/Tyrowin/gorelay/internal/server"
)

func main() {
	discover := flag.Bool("discover", false, "find a relay on the local network via mDNS")
	iface := flag.String("iface", "", "network interface for -discover")
	timeout := flag.Duration("timeout", 5*time.Second, "dial and discovery timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-discover] <serverIP> <port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	addr, err := resolveAddr(*discover, *iface, *timeout, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "gorelay-client: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	if err := run(addr, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "gorelay-client: %v\n", err)
		os.Exit(1)
	}
}

func resolveAddr(discover bool, iface string, timeout time.Duration, args []string) (string, error) {
	if !discover {
		if len(args) != 2 {
			return "", errors.New("expected <serverIP> <port>")
		}
		return net.JoinHostPort(args[0], args[1]), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	svc, err := discovery.FindFirst(ctx, iface)
	if err != nil {
		return "", err
	}
	addr, ok := svc.Address()
	if !ok {
		return "", fmt.Errorf("relay %q advertised no address", svc.Instance)
	}
	fmt.Printf("Found relay %q at %s\n", svc.Instance, addr)
	return addr, nil
}

func run(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	name, err := handshake(rl, conn)
	if err != nil {
		return err
	}

	go receive(conn, rl)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			_, _ = io.WriteString(conn, "exit\n")
			return nil
		}

		if strings.TrimSpace(line) == "exit" {
			_, _ = io.WriteString(conn, "exit\n")
			return nil
		}

		if d, ok := server.ParseDirective(line); ok {
			if err := sendFile(conn, line, d.Filename); err != nil {
				fmt.Fprintf(rl.Stdout(), "send failed: %v\n", err)
			}
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := io.WriteString(conn, chatLine(name, line)); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
}

// chatLine tags an ordinary message with its sender so recipients can tell
// who wrote it. Directives and exit go out unprefixed.
func chatLine(name, message string) string {
	return name + ": " + strings.TrimRight(message, "\r\n") + "\n"
}

func handshake(rl *readline.Instance, conn net.Conn) (string, error) {
	rl.SetPrompt("name: ")
	name, err := rl.Readline()
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	secret, err := rl.ReadPassword("secret: ")
	if err != nil {
		return "", err
	}
	rl.SetPrompt("> ")

	if _, err := io.WriteString(conn, name+"\n"); err != nil {
		return "", err
	}
	if _, err := io.WriteString(conn, strings.TrimSpace(string(secret))+"\n"); err != nil {
		return "", err
	}
	return name, nil
}

// receive prints relayed lines until the server hangs up, then closes the
// prompt so the input loop ends too.
func receive(conn net.Conn, rl *readline.Instance) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			fmt.Fprint(rl.Stdout(), line)
			if !strings.HasSuffix(line, "\n") {
				fmt.Fprintln(rl.Stdout())
			}
		}
		if err != nil {
			fmt.Fprintln(rl.Stdout(), "connection closed")
			_ = rl.Close()
			return
		}
	}
}

// sendFile announces the directive and streams the file followed by the
// stream sentinel. A '*' inside the file ends the relay early on the server.
func sendFile(conn net.Conn, directive, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.WriteString(conn, strings.TrimRight(directive, "\r\n")+"\n"); err != nil {
		return err
	}
	if _, err := io.Copy(conn, f); err != nil {
		return err
	}
	_, err = conn.Write([]byte{server.Sentinel})
	return err
}
