package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"
	"github.com/lt1946/setview"
	"github.com/lt1946/setview/dbset"
	"github.com/lt1946/setview/partition"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("define"),
	readline.PcItem("state"),
	readline.PcItem("info"),
	readline.PcItem("request"),
	readline.PcItem("feed"),
	readline.PcItem("compact"),
	readline.PcItem("cancel"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func parseParts(s string) ([]partition.ID, error) {
	if s == "" || s == "-" {
		return nil, nil
	}
	var out []partition.ID
	for _, tok := range strings.Split(s, ",") {
		n, err := strconv.ParseUint(tok, 10, 16)
		if err != nil {
			return nil, err
		}
		out = append(out, partition.ID(n))
	}
	return out, nil
}

func usage() {
	fmt.Println(`commands:
  define <num> <active> <passive> [replica]  define the group, lists are 0,1,2 or -
  state <active> <passive> <cleanup>         move partitions between roles
  info                                       print group info as JSON
  request <parts> <false|ok|update_after>    fetch a snapshot
  feed <part> <docid> <body>                 append a document change
  compact | cancel                           start / cancel compaction
  exit`)
}

func main() {
	if len(os.Args) < 2 {
		_, _ = fmt.Fprintln(os.Stderr, "Usage: setview <view_dir>")
		os.Exit(-2)
	}

	l, err := readline.NewFromConfig(&readline.Config{
		Prompt:          "\033[31msetview»\033[0m ",
		HistoryFile:     "/tmp/setview_history.tmp",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	db := dbset.NewMemory()
	group, err := setview.OpenGroup(setview.Config{
		SetName:         "default",
		Name:            "cli",
		Language:        "go",
		Views:           []setview.ViewDef{{Name: "by_id"}},
		Dir:             os.Args[1],
		DbSet:           db,
		NewReplicaDbSet: func() dbset.Set { return dbset.NewMemory() },
	})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	ctx := context.Background()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		err = nil
		switch cmd {
		case "help":
			usage()
		case "define":
			if len(args) < 3 {
				usage()
				break
			}
			var num int
			var active, passive []partition.ID
			if num, err = strconv.Atoi(args[0]); err != nil {
				break
			}
			if active, err = parseParts(args[1]); err != nil {
				break
			}
			if passive, err = parseParts(args[2]); err != nil {
				break
			}
			useReplica := len(args) > 3 && args[3] == "replica"
			err = group.DefineView(ctx, num, active, passive, useReplica)
		case "state":
			if len(args) < 3 {
				usage()
				break
			}
			var active, passive, cleanup []partition.ID
			if active, err = parseParts(args[0]); err != nil {
				break
			}
			if passive, err = parseParts(args[1]); err != nil {
				break
			}
			if cleanup, err = parseParts(args[2]); err != nil {
				break
			}
			err = group.SetState(ctx, active, passive, cleanup)
		case "info":
			var info *setview.GroupInfo
			info, err = group.RequestGroupInfo(ctx)
			if err == nil {
				var raw []byte
				raw, err = json.MarshalIndent(info, "", "  ")
				fmt.Println(string(raw))
			}
		case "request":
			if len(args) < 2 {
				usage()
				break
			}
			var wanted []partition.ID
			if wanted, err = parseParts(args[0]); err != nil {
				break
			}
			stale := setview.StaleOK
			switch args[1] {
			case "false":
				stale = setview.StaleFalse
			case "update_after":
				stale = setview.StaleUpdateAfter
			}
			var snap *setview.GroupSnapshot
			snap, err = group.RequestGroup(ctx, wanted, stale)
			if err == nil {
				fmt.Printf("snapshot sig=%s active=%v passive=%v active_replicas=%v\n",
					snap.Sig, snap.Header.Abitmask.Slice(),
					snap.Header.Pbitmask.Slice(), snap.ActiveReplicas.Slice())
				snap.Release()
			}
		case "feed":
			if len(args) < 3 {
				usage()
				break
			}
			var part uint64
			if part, err = strconv.ParseUint(args[0], 10, 16); err != nil {
				break
			}
			seq := db.Append(partition.ID(part), []byte(args[1]), []byte(strings.Join(args[2:], " ")), false)
			fmt.Printf("partition %d at seq %d\n", part, seq)
		case "compact":
			err = group.StartCompact(ctx)
		case "cancel":
			err = group.CancelCompact(ctx)
		case "exit", "quit":
			ex := 0
			if err = group.Close(ctx); err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err.Error())
				ex = -1
			}
			os.Exit(ex)
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
}
