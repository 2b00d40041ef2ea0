package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"github.com/goccy/go-yaml"
	"golang.org/x/term"

	"github.com/tablefort/docsync"
)

const DocsyncCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

type CtlConfig struct {
	ApiUrl     string `yaml:"api_url"`
	ConnectUrl string `yaml:"connect_url"`
	Token      string `yaml:"token"`
	TokenFile  string `yaml:"token_file"`
	Workspace  string `yaml:"workspace"`
	StoreDir   string `yaml:"store_dir"`
}

func main() {
	usage := `Docsync control.

Usage:
    docsyncctl tail --entity_type=<entity_type> --entity_id=<entity_id>
        --doc_type=<doc_type>
        [--config=<config>] [--connect_url=<connect_url>] [--token=<token>]
    docsyncctl push --entity_type=<entity_type> --entity_id=<entity_id>
        --doc_type=<doc_type>
        --path=<path> --value=<value>
        [--config=<config>] [--connect_url=<connect_url>] [--token=<token>]
    docsyncctl docs --workspace=<workspace>
        [--config=<config>] [--store_dir=<store_dir>] [--api_url=<api_url>] [--token=<token>]
    docsyncctl snapshot --workspace=<workspace> --doc_id=<doc_id>
        [--config=<config>] [--api_url=<api_url>] [--token=<token>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --config=<config>            Config yaml [default: ~/.docsync.yml].
    --connect_url=<connect_url>  Websocket url.
    --api_url=<api_url>          Snapshot api url.
    --token=<token>              Bearer token. Prompts when required and absent.
    --store_dir=<store_dir>      Local store directory.
    --workspace=<workspace>      Workspace id.
    --entity_type=<entity_type>
    --entity_id=<entity_id>
    --doc_type=<doc_type>
    --path=<path>
    --value=<value>
    --doc_id=<doc_id>`

	opts, _ := docopt.ParseArgs(usage, os.Args[1:], DocsyncCtlVersion)

	config := loadConfig(opts)

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts, config)
	} else if push_, _ := opts.Bool("push"); push_ {
		push(opts, config)
	} else if docs_, _ := opts.Bool("docs"); docs_ {
		docs(opts, config)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts, config)
	}
}

func loadConfig(opts docopt.Opts) *CtlConfig {
	config := &CtlConfig{}

	path, _ := opts.String("--config")
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			Err.Fatalf("bad config %s: %s", path, err)
		}
	}

	if connectUrl, err := opts.String("--connect_url"); err == nil && connectUrl != "" {
		config.ConnectUrl = connectUrl
	}
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		config.ApiUrl = apiUrl
	}
	if token, err := opts.String("--token"); err == nil && token != "" {
		config.Token = token
	}
	if storeDir, err := opts.String("--store_dir"); err == nil && storeDir != "" {
		config.StoreDir = storeDir
	}
	if workspace, err := opts.String("--workspace"); err == nil && workspace != "" {
		config.Workspace = workspace
	}

	if config.Token == "" && config.TokenFile != "" {
		if data, err := os.ReadFile(config.TokenFile); err == nil {
			config.Token = strings.TrimSpace(string(data))
		}
	}
	if config.StoreDir == "" {
		config.StoreDir = "."
	}
	return config
}

func requireToken(config *CtlConfig) string {
	if config.Token != "" {
		return config.Token
	}
	fmt.Fprint(os.Stderr, "token: ")
	tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("cannot read token: %s", err)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		Err.Fatal("a token is required")
	}
	config.Token = token
	return token
}

func requireDocKey(opts docopt.Opts) docsync.DocKey {
	entityType, _ := opts.String("--entity_type")
	entityId, err := opts.Int("--entity_id")
	if err != nil {
		Err.Fatalf("bad --entity_id: %s", err)
	}
	docType, _ := opts.String("--doc_type")
	key, err := docsync.NewDocKey(entityType, entityId, docType)
	if err != nil {
		Err.Fatalf("bad doc key: %s", err)
	}
	return key
}

func openTransport(config *CtlConfig) *docsync.TransportClient {
	token := requireToken(config)
	if config.ConnectUrl == "" {
		Err.Fatal("a connect_url is required")
	}

	transport := docsync.NewTransportClientWithDefaults(
		context.Background(),
		config.ConnectUrl,
		func() string {
			return token
		},
		func() {
			Err.Fatal("token invalidated by server")
		},
	)
	transport.Connect()

	connectTimeout := time.NewTimer(10 * time.Second)
	defer connectTimeout.Stop()
	for !transport.IsOpen() {
		select {
		case <-connectTimeout.C:
			Err.Fatal("connect timeout")
		case <-time.After(20 * time.Millisecond):
		}
	}
	return transport
}

func tail(opts docopt.Opts, config *CtlConfig) {
	key := requireDocKey(opts)
	transport := openTransport(config)
	defer transport.Close()

	updateTag := color.New(color.FgGreen).Sprint("update")
	awarenessTag := color.New(color.FgCyan).Sprint("awareness")
	ackTag := color.New(color.FgYellow).Sprint("ack")

	transport.OnUpdate(key, func(update *docsync.DocUpdate) {
		Out.Printf("[%s] %s %d bytes editor=%s id=%s", updateTag, update.Key, len(update.Update), update.EditorId, update.UpdateId)
	})
	transport.OnAwareness(key, func(awareness *docsync.DocAwareness) {
		Out.Printf("[%s] %s %s editor=%s", awarenessTag, awareness.Key, string(awareness.State), awareness.EditorId)
	})
	transport.OnAck(key, func(ack *docsync.DocUpdateAck) {
		Out.Printf("[%s] %s id=%s rtt=%s", ackTag, ack.Key, ack.UpdateId, time.Since(ack.ServerTime))
	})
	transport.JoinDoc(key)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func push(opts docopt.Opts, config *CtlConfig) {
	key := requireDocKey(opts)
	path, _ := opts.String("--path")
	value, _ := opts.String("--value")

	transport := openTransport(config)
	defer transport.Close()

	clientId := docsync.EditorIdFromToken(config.Token)

	tree := docsync.NewContentTree()
	var delta []byte
	tree.OnDelta(func(updateId docsync.Id, d []byte) {
		delta = d
	})
	if err := tree.Set(path, value); err != nil {
		Err.Fatalf("cannot build update: %s", err)
	}

	transport.JoinDoc(key)
	if transport.TryPushUpdateIfOpen(key, delta, clientId) {
		Out.Printf("pushed %d bytes to %s", len(delta), key)
	} else {
		Err.Fatal("not delivered: transport closed")
	}
}

func docs(opts docopt.Opts, config *CtlConfig) {
	if config.Workspace == "" {
		Err.Fatal("a workspace is required")
	}

	registry := docsync.NewWorkspaceRegistry(
		context.Background(),
		func() string {
			return config.Token
		},
		docsync.DefaultWorkspaceRegistrySettings(config.StoreDir, config.ApiUrl),
	)
	defer registry.Close()

	workspace, err := registry.GetOrCreate(config.Workspace)
	if err != nil {
		Err.Fatalf("cannot open workspace: %s", err)
	}

	for _, meta := range workspace.DocMetas() {
		line := map[string]any{
			"doc_id":     meta.DocId.String(),
			"created_at": meta.CreatedAt.Format(time.RFC3339),
			"tags":       meta.Tags,
		}
		lineJson, _ := json.Marshal(line)
		Out.Printf("%s", lineJson)
	}
}

func snapshot(opts docopt.Opts, config *CtlConfig) {
	if config.ApiUrl == "" {
		Err.Fatal("an api_url is required")
	}
	docIdStr, _ := opts.String("--doc_id")
	docId, err := docsync.ParseId(docIdStr)
	if err != nil {
		Err.Fatalf("bad --doc_id: %s", err)
	}
	token := requireToken(config)

	source := docsync.NewHttpSnapshotSourceWithDefaults(config.ApiUrl, func() string {
		return token
	})
	snapshot, err := source.FetchLatest(context.Background(), config.Workspace, docId)
	if err != nil {
		Err.Fatalf("snapshot fetch failed: %s", err)
	}
	os.Stdout.Write(snapshot)
}
