// Command zerotrace runs a ZeroTrace node: a quantum-resistant peer-to-peer
// messenger over the I2P overlay.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/zerotrace"
	"github.com/opd-ai/zerotrace/crypto"
	"github.com/opd-ai/zerotrace/i2p"
)

const passwordAttempts = 3

var (
	flagHost        string
	flagPort        int
	flagDataDir     string
	flagServerOnly  bool
	flagNoI2P       bool
	flagI2PDPath    string
	flagTunnelsConf string
	flagProxy       string
	flagDestFile    string
	flagBootstrap   string
	flagBootPort    int
	flagVerbose     bool
)

func main() {
	root := &cobra.Command{
		Use:   "zerotrace",
		Short: "Decentralized quantum-resistant messenger over I2P",
		RunE:  run,
	}

	flags := root.Flags()
	flags.StringVar(&flagHost, "host", "127.0.0.1", "local HTTP bind address")
	flags.IntVar(&flagPort, "port", 8970, "local HTTP bind port")
	flags.StringVar(&flagDataDir, "data-dir", defaultDataDir(), "keystore and database directory")
	flags.BoolVar(&flagServerOnly, "server-only", false, "run headless without the interactive menu")
	flags.BoolVar(&flagNoI2P, "no-i2p", false, "developer mode: plain HTTP, no overlay")
	flags.StringVar(&flagI2PDPath, "i2pd-path", "", "path to the i2pd binary (consumed by the overlay supervisor)")
	flags.StringVar(&flagTunnelsConf, "tunnels-conf", "", "i2pd tunnels configuration (consumed by the overlay supervisor)")
	flags.StringVar(&flagProxy, "proxy", i2p.DefaultProxyAddr, "overlay HTTP proxy endpoint")
	flags.StringVar(&flagDestFile, "dest-file", "", "file holding the local b32 destination (default <data-dir>/destination.txt)")
	flags.StringVar(&flagBootstrap, "bootstrap", "", "bootstrap peer address")
	flags.IntVar(&flagBootPort, "bootstrap-port", 80, "bootstrap peer port")
	flags.BoolVar(&flagVerbose, "verbose", false, "debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".zerotrace"
	}
	return filepath.Join(home, ".zerotrace")
}

func run(_ *cobra.Command, _ []string) error {
	if flagVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	if flagI2PDPath != "" || flagTunnelsConf != "" {
		logrus.WithFields(logrus.Fields{
			"i2pd_path":    flagI2PDPath,
			"tunnels_conf": flagTunnelsConf,
		}).Info("overlay router settings recorded for the supervisor")
	}

	destFile := flagDestFile
	if destFile == "" {
		destFile = filepath.Join(flagDataDir, "destination.txt")
	}

	opts := zerotrace.DefaultOptions(flagDataDir)
	opts.Host = flagHost
	opts.Port = flagPort
	opts.BootstrapAddr = flagBootstrap
	opts.BootstrapPort = flagBootPort
	opts.Overlay = &i2p.Config{
		Enabled:         !flagNoI2P,
		ProxyAddr:       flagProxy,
		ProxyType:       "http",
		DestinationFile: destFile,
		LocalFallback:   fmt.Sprintf("%s:%d", flagHost, flagPort),
	}

	node, err := unlockNode(opts)
	if err != nil {
		return err
	}
	defer node.Close()

	if err := node.Start(); err != nil {
		return err
	}
	fmt.Println("identifier:", node.ID())
	fmt.Println("address:   ", node.Address())

	if flagServerOnly {
		waitForSignal()
		return nil
	}
	return menu(node)
}

// unlockNode prompts for the keystore password, retrying on wrong password
// up to the attempt limit.
func unlockNode(opts *zerotrace.Options) (*zerotrace.Node, error) {
	reader := bufio.NewReader(os.Stdin)
	for attempt := 1; ; attempt++ {
		fmt.Print("keystore password: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		password := []byte(strings.TrimRight(line, "\r\n"))

		node, err := zerotrace.New(opts, password)
		if err == nil {
			return node, nil
		}
		if errors.Is(err, crypto.ErrWrongPassword) && attempt < passwordAttempts {
			fmt.Println("wrong password, try again")
			continue
		}
		return nil, err
	}
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	fmt.Println("shutting down")
}

// menu is the minimal interactive loop; everything it does goes through the
// node's public operations.
func menu(node *zerotrace.Node) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: send <id> <msg> | fetch | inbox | contacts | publish | discover <id> | quit")

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		ctx := context.Background()

		switch fields[0] {
		case "send":
			if len(fields) < 3 {
				fmt.Println("usage: send <identifier> <message>")
				continue
			}
			res, err := node.Send(ctx, fields[1], fields[2])
			switch {
			case err != nil:
				fmt.Println("send failed:", err)
			case res.Direct:
				fmt.Println("delivered directly")
			case res.Relays > 0:
				fmt.Printf("accepted by %d relay(s)\n", res.Relays)
			default:
				fmt.Println("recipient unreachable, message queued for retry")
			}

		case "fetch":
			nMsgs, err := node.Fetch(ctx)
			if err != nil {
				fmt.Println("fetch failed:", err)
				continue
			}
			fmt.Printf("retrieved %d message(s)\n", nMsgs)

		case "inbox":
			msgs, err := node.Inbox(ctx, 20)
			if err != nil {
				fmt.Println("inbox failed:", err)
				continue
			}
			for _, m := range msgs {
				fmt.Printf("[%s] %s: %s\n", m.ReceivedAt.Format("15:04:05"), m.SenderID[:8], m.Msg)
			}

		case "contacts":
			contacts, err := node.Contacts(ctx)
			if err != nil {
				fmt.Println("contacts failed:", err)
				continue
			}
			for _, c := range contacts {
				fmt.Printf("%s  %s  %s\n", c.Identifier, c.DisplayName, c.Address)
			}

		case "publish":
			if err := node.Publish(ctx); err != nil {
				fmt.Println("publish failed:", err)
				continue
			}
			fmt.Println("record published")

		case "discover":
			if len(fields) < 2 {
				fmt.Println("usage: discover <identifier>")
				continue
			}
			c, err := node.Discover(ctx, fields[1])
			if err != nil {
				fmt.Println("discover failed:", err)
				continue
			}
			fmt.Printf("found %s at %s\n", c.Identifier, c.Address)

		case "quit", "exit":
			return nil

		default:
			fmt.Println("unknown command")
		}
	}
}
