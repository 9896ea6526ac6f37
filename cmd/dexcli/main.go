package main

import (
	"encoding/json"
	"fmt"
	log2 "log"
	"os"
	"path/filepath"
	"time"

	"github.com/peerdex/peerdex"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/journal"
	"github.com/peerdex/peerdex/swap"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.etcd.io/bbolt"
)

func main() {
	app := cli.NewApp()
	app.Name = "dexcli"
	app.Usage = "Inspect the swaps of a peerdex node"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "datadir",
			Value: peerdex.DefaultDataDir,
			Usage: "peerdex data directory",
		},
		cli.StringFlag{
			Name:  "db",
			Usage: "path to the swap database, defaults to <datadir>/swaps.db",
		},
	}
	app.Commands = []cli.Command{
		listCommand, showCommand, recentCommand,
	}
	err := app.Run(os.Args)
	if err != nil {
		log2.Fatal(err)
	}
}

var (
	listCommand = cli.Command{
		Name:   "list",
		Usage:  "lists the unfinished swaps",
		Flags:  []cli.Flag{},
		Action: listSwaps,
	}

	showCommand = cli.Command{
		Name:      "show",
		Usage:     "shows a swap and its events",
		ArgsUsage: "<uuid>",
		Action:    showSwap,
	}

	recentCommand = cli.Command{
		Name:  "recent",
		Usage: "lists the most recent swaps, newest first",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "my",
				Usage: "only swaps sending this coin",
			},
			cli.StringFlag{
				Name:  "other",
				Usage: "only swaps receiving this coin",
			},
			cli.IntFlag{
				Name:  "limit",
				Value: 10,
			},
		},
		Action: recentSwaps,
	}
)

// openSwaps opens the journal read only, a running daemon keeps writing.
func openSwaps(ctx *cli.Context) (*swap.Service, func(), error) {
	path := ctx.GlobalString("db")
	if path == "" {
		path = filepath.Join(ctx.GlobalString("datadir"), "swaps.db")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil, err
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", path)
	}
	j, err := journal.New(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	svc, err := swap.NewService(swap.NewSwapServices(j, coins.NewRegistry(), nil, swap.Config{}))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return svc, func() {
		_ = j.Close()
		_ = db.Close()
	}, nil
}

func listSwaps(ctx *cli.Context) error {
	svc, closeFunc, err := openSwaps(ctx)
	if err != nil {
		return err
	}
	defer closeFunc()

	swaps, err := svc.ListUnfinishedSwaps()
	if err != nil {
		return err
	}
	printJson(swaps)
	return nil
}

func showSwap(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "show")
	}
	svc, closeFunc, err := openSwaps(ctx)
	if err != nil {
		return err
	}
	defer closeFunc()

	info, err := svc.GetSwap(ctx.Args().First())
	if err != nil {
		return err
	}
	printJson(info)
	return nil
}

func recentSwaps(ctx *cli.Context) error {
	svc, closeFunc, err := openSwaps(ctx)
	if err != nil {
		return err
	}
	defer closeFunc()

	swaps, err := svc.ListRecentSwaps(ctx.String("my"), ctx.String("other"), ctx.Int("limit"))
	if err != nil {
		return err
	}
	printJson(swaps)
	return nil
}

func printJson(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(string(b))
}
