package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/weavedoc/weave"
	"github.com/weavedoc/weave/awareness"
	"github.com/weavedoc/weave/crdt"
	"github.com/weavedoc/weave/protocol"
	"github.com/weavedoc/weave/store"
	"github.com/weavedoc/weave/utils"
)

// REPL wires one document to the network and a local store. The syncs
// table is written by Net's accept and dial goroutines while the
// readline loop reads it, hence the concurrent map.
type REPL struct {
	doc   *weave.Doc
	who   *awareness.Table
	net   *protocol.Net
	db    *store.Pebble
	rl    *readline.Instance
	log   utils.Logger
	syncs *xsync.MapOf[string, *weave.Syncer]
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("listen"),
	readline.PcItem("connect"),
	readline.PcItem("mute"),

	readline.PcItem("insert"),
	readline.PcItem("delete"),
	readline.PcItem("text"),

	readline.PcItem("set"),
	readline.PcItem("get"),
	readline.PcItem("keys"),

	readline.PcItem("name"),
	readline.PcItem("who"),

	readline.PcItem("sv"),
	readline.PcItem("sweep"),
	readline.PcItem("save"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".weave_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold: true,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	if repl.net != nil {
		_ = repl.net.Close()
	}
	if repl.db != nil {
		_ = repl.db.Close()
	}
	return repl.doc.Close()
}

func (repl *REPL) installConn(name string) protocol.FeedDrainCloser {
	sync := weave.NewSyncer(repl.doc, name, weave.SyncRWLive)
	sync.Awareness = repl.who
	repl.syncs.Store(name, sync)
	return sync
}

func (repl *REPL) destroyConn(name string) {
	repl.syncs.Delete(name)
}

func (repl *REPL) Run() error {
	for {
		line, err := repl.rl.Readline()
		if err == readline.ErrInterrupt && len(line) != 0 {
			continue
		}
		if err != nil {
			return err
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		arg = strings.TrimSpace(arg)
		if cmd == "" {
			continue
		}
		if cmd == "exit" || cmd == "quit" {
			return nil
		}
		if err = repl.command(cmd, arg); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err.Error())
		}
	}
}

func (repl *REPL) command(cmd, arg string) error {
	switch cmd {
	case "help":
		fmt.Println("insert POS TEXT | delete POS LEN | text | set KEY VALUE | get KEY | keys")
		fmt.Println("listen ADDR | connect ADDR | mute ADDR | name TEXT | who")
		fmt.Println("sv | sweep | save | exit")

	case "insert":
		posStr, text, _ := strings.Cut(arg, " ")
		pos, err := strconv.Atoi(posStr)
		if err != nil {
			return err
		}
		repl.doc.InsertText(pos, text)
		return repl.checkpoint()

	case "delete":
		posStr, lenStr, _ := strings.Cut(arg, " ")
		pos, err := strconv.Atoi(posStr)
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(lenStr)
		if err != nil {
			return err
		}
		repl.doc.DeleteText(pos, n)
		return repl.checkpoint()

	case "text":
		fmt.Println(repl.doc.Text())

	case "set":
		key, value, _ := strings.Cut(arg, " ")
		repl.doc.SetKey(key, value)
		return repl.checkpoint()

	case "get":
		value, ok := repl.doc.Get(arg)
		if !ok {
			fmt.Println("(absent)")
		} else {
			fmt.Println(value)
		}

	case "keys":
		for _, key := range repl.doc.Keys() {
			fmt.Println(key)
		}

	case "listen":
		return repl.net.Listen(context.Background(), arg)

	case "connect":
		return repl.net.Connect(context.Background(), arg)

	case "mute":
		return repl.net.Disconnect(arg)

	case "name":
		var payload []byte
		if arg != "" {
			payload = []byte(arg)
		}
		rec := repl.who.SetLocalState(payload)
		repl.syncs.Range(func(_ string, sync *weave.Syncer) bool {
			if err := sync.Announce(context.Background(), rec); err != nil {
				repl.log.Warn("announce failed", "peer", sync.Name, "err", err)
			}
			return true
		})

	case "who":
		for _, s := range repl.who.States() {
			fmt.Println(s.Site, string(s.Payload))
		}

	case "sv":
		fmt.Println(repl.doc.StateVector().String())

	case "sweep":
		var vvs []crdt.VV
		repl.syncs.Range(func(_ string, sync *weave.Syncer) bool {
			if vv := sync.PeerVV(); vv != nil {
				vvs = append(vvs, vv)
			}
			return true
		})
		fmt.Println("collected", repl.doc.Sweep(vvs...), "runs")

	case "save":
		if repl.db == nil {
			return fmt.Errorf("no store open")
		}
		return repl.db.Compact(repl.doc.EncodeStateAsUpdate(nil))

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// checkpoint appends the latest local frame to the store.
func (repl *REPL) checkpoint() error {
	if repl.db == nil {
		return nil
	}
	return repl.db.Append(repl.doc.EncodeStateAsUpdate(nil))
}

func main() {
	site := flag.Uint("site", 0, "site id (random when zero)")
	dir := flag.String("db", "", "pebble store directory")
	flag.Parse()

	log := utils.NewDefaultLogger(slog.LevelWarn)
	repl := &REPL{
		log:   log,
		syncs: xsync.NewMapOf[string, *weave.Syncer](),
	}
	repl.doc = weave.NewDoc(weave.Options{Site: uint32(*site), Logger: log})
	repl.who = awareness.NewTable(repl.doc.Site())
	repl.net = protocol.NewNet(log, repl.installConn, repl.destroyConn)
	prometheus.MustRegister(weave.NewDocCollector(repl.doc))

	if *dir != "" {
		db, err := store.OpenPebble(*dir)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		repl.db = db
		logged, err := db.Load(func(frame []byte) error {
			_, err := repl.doc.ApplyUpdate(frame)
			return err
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		if db.NeedsCompaction(logged) {
			_ = db.Compact(repl.doc.EncodeStateAsUpdate(nil))
		}
	}

	if err := repl.Open(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer repl.Close()

	fmt.Println("site", repl.doc.Site())
	if err := repl.Run(); err != nil && err != io.EOF && err != readline.ErrInterrupt {
		fmt.Fprintln(os.Stderr, err.Error())
	}
}
