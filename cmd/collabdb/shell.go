package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/collabdb_errors"
	"github.com/drpcorg/collabdb/database"
	"github.com/drpcorg/collabdb/utils"
	"github.com/drpcorg/collabdb/workspace"
	"github.com/ergochat/readline"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("create"),
	readline.PcItem("list"),
	readline.PcItem("views"),
	readline.PcItem("link"),
	readline.PcItem("rows"),
	readline.PcItem("addrow"),
	readline.PcItem("dup"),
	readline.PcItem("delview"),

	readline.PcItem("flush"),
	readline.PcItem("sync"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

const help = `create <name>                 new database with a grid view
list                          databases of the workspace
views <view>                  views of the database of a view
link <view> <name> [layout]   new view of the same database (0 grid, 1 board, 2 calendar)
rows <view>                   rows in view order
addrow <view> [cells]         new row, cells as {"<field id>": {"data": ...}}
dup <view>                    copy of a database with fresh ids
delview <view>                delete a view, the database with its inline view
flush                         write the workspace snapshot
sync                          hub connection status
exit`

var (
	ErrUsage       = errors.New("usage, see help")
	ErrUnknownView = errors.New("no database has this view")
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

type shell struct {
	ws   *workspace.Manager
	sync *syncer
	log  utils.Logger
	rl   *readline.Instance
	out  io.Writer
}

func (sh *shell) Open() (err error) {
	sh.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".collabdb_history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	sh.rl.CaptureExitSignal()
	sh.out = os.Stdout
	return
}

func (sh *shell) Close() error {
	if sh.rl != nil {
		_ = sh.rl.Close()
		sh.rl = nil
	}
	return nil
}

// Loop reads commands until exit or end of input.
func (sh *shell) Loop(ctx context.Context) error {
	for {
		line, err := sh.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}
		err = sh.Exec(ctx, line)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(sh.out, err.Error())
		}
	}
}

// Exec runs one command line.
func (sh *shell) Exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		fmt.Fprintln(sh.out, help)
		return nil
	case "create":
		return sh.create(ctx, args)
	case "list", "ls":
		return sh.list()
	case "views":
		return sh.views(ctx, args)
	case "link":
		return sh.link(ctx, args)
	case "rows":
		return sh.rows(ctx, args)
	case "addrow":
		return sh.addRow(ctx, args, line)
	case "dup":
		return sh.dup(ctx, args)
	case "delview":
		return sh.delView(ctx, args)
	case "flush":
		return sh.ws.FlushWorkspaceDatabase()
	case "sync":
		return sh.status()
	case "exit", "quit":
		return io.EOF
	default:
		return fmt.Errorf("command unknown: %s", cmd)
	}
}

// track hands a database doc over to the hub connection, if any.
func (sh *shell) track(db *database.Database) {
	if sh.sync != nil {
		sh.sync.bind(db.Doc(), collab.TypeDatabase)
	}
}

func (sh *shell) database(ctx context.Context, viewID string) (*database.Database, error) {
	db, ok := sh.ws.GetDatabaseWithViewID(ctx, viewID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, viewID)
	}
	sh.track(db)
	return db, nil
}

func (sh *shell) create(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}
	name := strings.Join(args, " ")
	params := database.CreateDatabaseParams{
		DatabaseID:   uuid.NewString(),
		InlineViewID: uuid.NewString(),
		Fields: []database.Field{{
			ID:         uuid.NewString()[:8],
			Name:       "Name",
			Visibility: true,
			Width:      150,
			IsPrimary:  true,
		}},
	}
	params.Views = []database.CreateViewParams{{
		DatabaseID: params.DatabaseID,
		ViewID:     params.InlineViewID,
		Name:       name,
		Layout:     database.LayoutGrid,
	}}
	db, err := sh.ws.CreateDatabase(ctx, params)
	if err != nil {
		return err
	}
	sh.track(db)
	fmt.Fprintf(sh.out, "database %s, view %s\n", db.ID(), params.InlineViewID)
	return nil
}

func (sh *shell) list() error {
	for _, meta := range sh.ws.GetAllDatabaseMeta() {
		created := time.Unix(meta.CreatedAt, 0).Format(time.DateTime)
		fmt.Fprintf(sh.out, "%s\t%s\t%s\n", meta.DatabaseID, created, strings.Join(meta.LinkedViews, ","))
	}
	return nil
}

func (sh *shell) views(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	db, err := sh.database(ctx, args[0])
	if err != nil {
		return err
	}
	inline := db.InlineViewID()
	for _, v := range db.GetAllViews() {
		mark := ""
		if v.ID == inline {
			mark = " (inline)"
		}
		fmt.Fprintf(sh.out, "%s\t%s\t%s\t%d rows%s\n", v.ID, v.Layout, v.Name, len(v.RowOrders), mark)
	}
	return nil
}

func (sh *shell) link(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return ErrUsage
	}
	databaseID, ok := sh.ws.GetDatabaseIDWithViewID(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownView, args[0])
	}
	layout := database.LayoutGrid
	if len(args) > 2 {
		n, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return ErrUsage
		}
		if layout, ok = database.ParseLayout(n); !ok {
			return fmt.Errorf("layout unknown: %d", n)
		}
	}
	viewID := uuid.NewString()
	err := sh.ws.CreateDatabaseLinkedView(ctx, database.CreateViewParams{
		DatabaseID: databaseID,
		ViewID:     viewID,
		Name:       args[1],
		Layout:     layout,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "view %s\n", viewID)
	return nil
}

func (sh *shell) rows(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	db, err := sh.database(ctx, args[0])
	if err != nil {
		return err
	}
	for _, row := range db.GetRowsForView(ctx, args[0]) {
		cells, err := json.Marshal(row.Cells)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%s\t%s\n", row.ID, cells)
	}
	return nil
}

func (sh *shell) addRow(ctx context.Context, args []string, line string) error {
	if len(args) == 0 {
		return ErrUsage
	}
	db, err := sh.database(ctx, args[0])
	if err != nil {
		return err
	}
	var cells map[string]database.Cell
	if i := strings.Index(line, "{"); i >= 0 {
		if err = json.Unmarshal([]byte(line[i:]), &cells); err != nil {
			return err
		}
	}
	order, err := db.CreateRow(ctx, args[0], database.CreateRowParams{Cells: cells, Visibility: true})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "row %s\n", order.ID)
	return nil
}

func (sh *shell) dup(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	db, err := sh.ws.DuplicateDatabase(ctx, args[0])
	if errors.Is(err, collabdb_errors.ErrDatabaseNotExist) {
		return fmt.Errorf("%w: %s", ErrUnknownView, args[0])
	}
	if err != nil {
		return err
	}
	sh.track(db)
	fmt.Fprintf(sh.out, "database %s, view %s\n", db.ID(), db.InlineViewID())
	return nil
}

func (sh *shell) delView(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	databaseID, ok := sh.ws.GetDatabaseIDWithViewID(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownView, args[0])
	}
	sh.ws.DeleteView(ctx, databaseID, args[0])
	return nil
}

func (sh *shell) status() error {
	if sh.sync == nil {
		fmt.Fprintln(sh.out, "not syncing")
		return nil
	}
	connected, pending := sh.sync.status()
	fmt.Fprintf(sh.out, "connected %v, %d messages unacked\n", connected, pending)
	return nil
}
