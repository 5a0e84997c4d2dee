// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/recstore/client/recstore"
	"github.com/westerndigitalcorporation/recstore/internal/blobstore"
	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/recordserver"
	"github.com/westerndigitalcorporation/recstore/internal/server"
)

var usage = `
	reccli is a tool to interact with running record servers.

	You can use reccli in two modes: either issue one command to the servers
	or start a command line interpreter to issue commands interactively. You can
	issue just one command by typing something like:

		reccli --peers 1=host:4500,2=host:4501 <subcommand> [<flags>...]

	Alternatively, you can start a command line interpreter by typing something like:

		reccli --peers 1=host:4500,2=host:4501 shell

	Records are named either by their key in hex (--key) or by a name that is
	hashed into a key (--name).
	`

// recCli lets users read, write and move records on a set of record servers.
type recCli struct {
	// the actual client we'll use to talk to the servers.
	clt *recstore.Client
	// Cache key to know when we can reuse clt.
	cltCacheKey string
	// Addresses of the groups clt talks to.
	groups map[core.GroupID]string
	// the command line framework we'll use to launch commands.
	app *cli.App
}

// newRecCli creates a new recCli object.
func newRecCli() *recCli {
	b := &recCli{}
	app := cli.NewApp()
	app.Name = "reccli"

	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "peers, p",
			Usage: "Comma-separated list of group=addr of the record servers",
		},
		cli.BoolFlag{
			Name:  "noretry",
			Usage: "Don't retry operations that failed with retriable errors",
		},
	}

	groupflag := cli.IntFlag{
		Name:  "group, g",
		Usage: "group to talk to",
		Value: 1,
	}
	keyflag := cli.StringFlag{
		Name:  "key, k",
		Usage: "record key in hex",
	}
	nameflag := cli.StringFlag{
		Name:  "name, n",
		Usage: "record name, hashed into the key",
	}
	offsetflag := cli.IntFlag{
		Name:  "offset, o",
		Usage: "offset within the record payload (default: 0)",
	}
	lengthflag := cli.IntFlag{
		Name:  "length, l",
		Usage: "data length to read (unset or <= 0 means 'all')",
	}
	datafileflag := cli.StringFlag{
		Name:  "file, f",
		Usage: "file to read or write data from (required for input, output defaults to stdout)",
	}
	jsonflag := cli.StringFlag{
		Name:  "json, j",
		Usage: "record metadata",
	}
	nocsumflag := cli.BoolFlag{
		Name:  "nocsum",
		Usage: "don't verify or keep checksums",
	}
	casflag := cli.BoolFlag{
		Name:  "cas",
		Usage: "refuse to replace newer records",
	}
	toflag := cli.StringFlag{
		Name:  "to, t",
		Usage: "comma-separated groups to send to",
	}
	chunkflag := cli.IntFlag{
		Name:  "chunk",
		Usage: "chunk size for sending large records (0 means the server's default)",
	}

	app.Commands = []cli.Command{
		{
			Name:    "read",
			Aliases: []string{"r"},
			Usage:   "Reads a record.",
			Flags:   []cli.Flag{groupflag, keyflag, nameflag, offsetflag, lengthflag, datafileflag, nocsumflag},
			Action:  b.cmdRead,
		},
		{
			Name:    "write",
			Aliases: []string{"w"},
			Usage:   "Writes a record.",
			Flags:   []cli.Flag{groupflag, keyflag, nameflag, datafileflag, jsonflag, nocsumflag, casflag},
			Action:  b.cmdWrite,
		},
		{
			Name:    "lookup",
			Aliases: []string{"l"},
			Usage:   "Prints where a record is and its checksums.",
			Flags:   []cli.Flag{groupflag, keyflag, nameflag},
			Action:  b.cmdLookup,
		},
		{
			Name:   "rm",
			Usage:  "Removes records, given as arguments in hex or by --key/--name.",
			Flags:  []cli.Flag{groupflag, keyflag, nameflag},
			Action: b.cmdRm,
		},
		{
			Name:   "iterate",
			Usage:  "Lists the records of a group.",
			Flags:  []cli.Flag{groupflag},
			Action: b.cmdIterate,
		},
		{
			Name:   "migrate",
			Usage:  "Copies every record of a group to other groups.",
			Flags:  []cli.Flag{groupflag, toflag, chunkflag},
			Action: b.cmdMigrate,
		},
		{
			Name:   "send",
			Usage:  "Copies records, given as arguments in hex or by --key/--name, to other groups.",
			Flags:  []cli.Flag{groupflag, keyflag, nameflag, toflag, chunkflag},
			Action: b.cmdSend,
		},
		{
			Name:    "stat",
			Aliases: []string{"s"},
			Usage:   "Prints the counters of every group.",
			Action:  b.cmdStat,
		},
		{
			Name:  "bench",
			Usage: "Writes and reads back records and prints latencies.",
			Flags: []cli.Flag{
				groupflag,
				cli.IntFlag{Name: "count", Usage: "number of records", Value: 1000},
				cli.IntFlag{Name: "size", Usage: "payload size of each record", Value: 4096},
				cli.IntFlag{Name: "workers", Usage: "concurrent requests", Value: 8},
			},
			Action: b.cmdBench,
		},
		{
			Name:      "fget",
			Usage:     "Return current failure configuration of a group's server.",
			ArgsUsage: "<group>",
			Action:    b.cmdFailureConfigGet,
		},
		{
			Name:      "fset",
			Usage:     "Set failure configuration of a group's server, e.g. 'fset 1 rec_service_failure {\"Read\":5}'.",
			ArgsUsage: "<group> [<key> <value-json>]...",
			Action:    b.cmdFailureConfigSet,
		},
		{
			Name:      "backup",
			Usage:     "Save a copy of the index of a group's store to a new file.",
			ArgsUsage: "<group> <file>",
			Action:    b.cmdBackup,
		},
		{
			Name:   "shell",
			Usage:  "Starts a command line interpreter.",
			Action: b.cmdShell,
		},
	}

	app.Before = b.beforeSubcommandRun
	b.app = app
	return b
}

// run runs the cli with the given arguments.
func (b *recCli) run(args []string) error {
	return b.app.Run(args)
}

// stop frees up all resource used by the recCli object.
func (b *recCli) stop() {
	if b.clt != nil {
		b.clt.Close()
		b.clt = nil
	}
}

// getClient returns a client object for the peers given on the command line.
// If there's already a client for the same peers, reuse it.
func (b *recCli) getClient(c *cli.Context) *recstore.Client {
	spec := c.GlobalString("peers")
	if b.clt != nil && b.cltCacheKey == spec {
		return b.clt
	}
	groups, err := recordserver.ParsePeers(spec)
	if err != nil || len(groups) == 0 {
		log.Errorf("No valid peers provided (%v). Use --peers/-p.", err)
		os.Exit(1)
	}
	if b.clt != nil {
		b.clt.Close()
	}
	b.clt = recstore.NewClient(recstore.Options{
		Groups:       groups,
		DisableRetry: c.GlobalBool("noretry"),
		RetryTimeout: 30 * time.Second,
		Instance:     "reccli",
	})
	b.cltCacheKey = spec
	b.groups = groups
	return b.clt
}

// beforeSubcommandRun makes sure the shell has peers to talk to.
func (b *recCli) beforeSubcommandRun(c *cli.Context) error {
	if c.String("peers") == "" && c.Args().First() != "" && c.Args().First() != "help" {
		return fmt.Errorf("no peers given, use --peers/-p")
	}
	return nil
}

// getKey gets the key a command is about from --key or --name.
func getKey(c *cli.Context) (core.Key, bool) {
	if name := c.String("name"); name != "" {
		return core.KeyFromName(name), true
	}
	k, err := core.ParseKey(c.String("key"))
	if err != nil {
		log.Errorf("Failed to parse key: %v", err)
		return k, false
	}
	return k, true
}

// getKeys gets the keys a command is about from --key, --name and its
// arguments.
func getKeys(c *cli.Context) ([]core.Key, bool) {
	var keys []core.Key
	if c.String("name") != "" || c.String("key") != "" {
		k, ok := getKey(c)
		if !ok {
			return nil, false
		}
		keys = append(keys, k)
	}
	for _, arg := range c.Args() {
		k, err := core.ParseKey(arg)
		if err != nil {
			log.Errorf("Failed to parse key %q: %v", arg, err)
			return nil, false
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		log.Errorf("No keys given.")
		return nil, false
	}
	return keys, true
}

// getGroups parses a comma-separated list of groups.
func getGroups(s string) ([]core.GroupID, bool) {
	var groups []core.GroupID
	for _, f := range strings.Split(s, ",") {
		var g uint32
		if _, err := fmt.Sscan(strings.TrimSpace(f), &g); err != nil || g == 0 {
			log.Errorf("Bad group %q", f)
			return nil, false
		}
		groups = append(groups, core.GroupID(g))
	}
	return groups, true
}

func ioflags(c *cli.Context) core.IOFlags {
	var f core.IOFlags
	if c.Bool("nocsum") {
		f |= core.IOFlagNoCsum
	}
	if c.Bool("cas") {
		f |= core.IOFlagCASTimestamp
	}
	return f
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Errorf("Failed to encode response to JSON: %v", err)
		return
	}
	fmt.Println(string(data))
}

// cmdRead implements the "read" subcommand.
func (b *recCli) cmdRead(c *cli.Context) {
	client := b.getClient(c)
	key, ok := getKey(c)
	if !ok {
		return
	}

	req := core.ReadRequest{
		Key:        key,
		IOFlags:    ioflags(c),
		ReadFlags:  core.ReadAll,
		DataOffset: uint64(c.Int("offset")),
	}
	if length := c.Int("length"); length > 0 {
		req.DataSize = uint64(length)
	}
	resp, err := client.Read(context.Background(), core.GroupID(c.Int("group")), req)
	if err != core.NoError {
		log.Errorf("Read error: %s", err)
		return
	}

	var output io.WriteCloser = os.Stdout
	if filename := c.String("file"); filename != "" {
		var e error
		output, e = os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if e != nil {
			log.Errorf("Couldn't open output file: %v", e)
			return
		}
		defer output.Close()
	}
	log.Infof("json %q, data timestamp %s, %d of %d bytes", resp.JSON, resp.DataTimestamp, resp.ReadDataSize, resp.DataSize)
	output.Write(resp.Data)
}

// cmdWrite implements the "write" subcommand.
func (b *recCli) cmdWrite(c *cli.Context) {
	client := b.getClient(c)
	key, ok := getKey(c)
	if !ok {
		return
	}

	filename := c.String("file")
	if filename == "" {
		log.Errorf("Input file required.")
		return
	}
	data, e := ioutil.ReadFile(filename)
	if e != nil {
		log.Errorf("Couldn't open input file: %v", e)
		return
	}
	meta := []byte(c.String("json"))

	now := core.Now()
	req := &core.WriteRequest{
		Key:            key,
		IOFlags:        core.IOFlagPrepare | core.IOFlagCommit | ioflags(c),
		Timestamp:      now,
		JSONTimestamp:  now,
		JSONCapacity:   uint64(len(meta)),
		DataCapacity:   uint64(len(data)),
		DataCommitSize: uint64(len(data)),
		JSON:           meta,
		Data:           data,
	}
	info, err := client.Write(context.Background(), core.GroupID(c.Int("group")), req)
	if err != core.NoError {
		log.Errorf("Write error: %s", err)
		return
	}
	log.Infof("Wrote %s", key)
	printJSON(info)
}

// cmdLookup implements the "lookup" subcommand.
func (b *recCli) cmdLookup(c *cli.Context) {
	client := b.getClient(c)
	key, ok := getKey(c)
	if !ok {
		return
	}
	info, err := client.Lookup(context.Background(), core.GroupID(c.Int("group")), core.LookupRequest{Key: key, Checksum: true})
	if err != core.NoError {
		log.Errorf("Lookup error: %s", err)
		return
	}
	printJSON(info)
}

// cmdRm implements the "rm" subcommand.
func (b *recCli) cmdRm(c *cli.Context) {
	client := b.getClient(c)
	keys, ok := getKeys(c)
	if !ok {
		return
	}
	statuses, err := client.BulkRemove(context.Background(), core.GroupID(c.Int("group")), core.BulkRemoveRequest{Keys: keys})
	if err != core.NoError {
		log.Errorf("Remove error: %s", err)
		return
	}
	for _, st := range statuses {
		fmt.Printf("%s: %s\n", st.Key, st.Status)
	}
}

// cmdIterate implements the "iterate" subcommand.
func (b *recCli) cmdIterate(c *cli.Context) {
	client := b.getClient(c)
	resps, err := client.Iterate(context.Background(), core.GroupID(c.Int("group")), core.IteratorRequest{Type: core.IterTypeNetwork})
	if err != core.NoError {
		log.Errorf("Iterate error: %s", err)
		return
	}
	for _, r := range resps {
		fmt.Printf("%s\t%s\t%d bytes\t%s\t%s\n", r.Key, r.DataTimestamp, r.DataSize, r.RecordFlags, r.Status)
	}
	log.Infof("%d records", len(resps))
}

func sendOptions(c *cli.Context) (core.SendOptions, bool) {
	groups, ok := getGroups(c.String("to"))
	if !ok {
		return core.SendOptions{}, false
	}
	return core.SendOptions{Groups: groups, ChunkSize: uint64(c.Int("chunk"))}, true
}

func printSendResults(resps []core.IteratorResponse) {
	failed := 0
	for _, r := range resps {
		if r.Status != core.NoError {
			failed++
			fmt.Printf("%s: %s\n", r.Key, r.Status)
		}
	}
	log.Infof("sent %d records, %d failed", len(resps)-failed, failed)
}

// cmdMigrate implements the "migrate" subcommand.
func (b *recCli) cmdMigrate(c *cli.Context) {
	client := b.getClient(c)
	opts, ok := sendOptions(c)
	if !ok {
		return
	}
	resps, err := client.Iterate(context.Background(), core.GroupID(c.Int("group")), core.IteratorRequest{
		ID:   uint64(time.Now().Unix()),
		Type: core.IterTypeMigration,
		Send: opts,
	})
	if err != core.NoError {
		log.Errorf("Migration error: %s", err)
		return
	}
	printSendResults(resps)
}

// cmdSend implements the "send" subcommand.
func (b *recCli) cmdSend(c *cli.Context) {
	client := b.getClient(c)
	keys, ok := getKeys(c)
	if !ok {
		return
	}
	opts, ok := sendOptions(c)
	if !ok {
		return
	}
	resps, err := client.ServerSend(context.Background(), core.GroupID(c.Int("group")), core.ServerSendRequest{Keys: keys, Send: opts})
	if err != core.NoError {
		log.Errorf("Send error: %s", err)
		return
	}
	printSendResults(resps)
}

// cmdStat implements the "stat" subcommand.
func (b *recCli) cmdStat(c *cli.Context) {
	client := b.getClient(c)
	for _, g := range client.Groups() {
		st, err := client.Stat(context.Background(), g)
		if err != core.NoError {
			fmt.Printf("group %s (%s): %s\n", g, b.groups[g], err)
			continue
		}
		fmt.Printf("group %s (%s): %d records, %d uncommitted, %d corrupted, %d/%d bytes\n",
			g, b.groups[g], st.Records, st.Uncommitted, st.Corrupted, st.LiveBytes, st.FileBytes)
	}
}

// cmdBench implements the "bench" subcommand.
func (b *recCli) cmdBench(c *cli.Context) {
	client := b.getClient(c)
	res := runBench(context.Background(), client, benchConfig{
		Group:   core.GroupID(c.Int("group")),
		Count:   c.Int("count"),
		Size:    c.Int("size"),
		Workers: c.Int("workers"),
	})
	fmt.Printf("write:\n%s\nread:\n%s\nerrors: %d\n", res.writes, res.reads, res.errors)
}

// groupURL is the url of 'path' on the server of group 'arg'.
func (b *recCli) groupURL(c *cli.Context, arg, path string) (string, bool) {
	b.getClient(c)
	groups, ok := getGroups(arg)
	if !ok || len(groups) != 1 {
		return "", false
	}
	addr, ok := b.groups[groups[0]]
	if !ok {
		log.Errorf("error: unknown group %s", arg)
		return "", false
	}
	return "http://" + addr + path, true
}

// cmdFailureConfigGet implements "fget" subcommand.
func (b *recCli) cmdFailureConfigGet(c *cli.Context) {
	if len(c.Args()) != 1 {
		// Display help message of the command if the number of arguments is wrong.
		b.app.Run([]string{"cli", c.Command.Name, "-h"})
		return
	}
	url, ok := b.groupURL(c, c.Args().Get(0), server.FailurePath)
	if !ok {
		return
	}
	resp, err := http.Get(url)
	if err != nil {
		log.Errorf("Failed to get failure config: %v", err)
		return
	}
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(resp.Body)
	log.Infof("%s", strings.TrimSpace(string(body)))
}

// cmdFailureConfigSet implements "fset" subcommand. It replaces the whole
// failure configuration.
func (b *recCli) cmdFailureConfigSet(c *cli.Context) {
	kvs := c.Args().Tail()
	if len(c.Args()) < 1 || len(kvs)%2 != 0 {
		// Display help message of the command if the number of arguments is wrong.
		b.app.Run([]string{"cli", c.Command.Name, "-h"})
		return
	}

	config := make(map[string]json.RawMessage)
	for i := 0; i < len(kvs); i += 2 {
		config[kvs[i]] = json.RawMessage(kvs[i+1])
	}
	data, err := json.Marshal(config)
	if err != nil {
		log.Errorf("Bad failure config: %v", err)
		return
	}

	url, ok := b.groupURL(c, c.Args().Get(0), server.FailurePath)
	if !ok {
		return
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		log.Errorf("Failed to set the failure config: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		log.Errorf("Failed to set the failure config: %s", strings.TrimSpace(string(body)))
		return
	}
	log.Infof("Successfully set the failure config")
}

// cmdBackup implements "backup" subcommand.
func (b *recCli) cmdBackup(c *cli.Context) {
	if len(c.Args()) != 2 {
		b.app.Run([]string{"cli", c.Command.Name, "-h"})
		return
	}
	url, ok := b.groupURL(c, c.Args().Get(0), recordserver.BackupPath)
	if !ok {
		return
	}
	resp, err := http.Get(url)
	if err != nil {
		log.Errorf("Failed to get the index: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		log.Errorf("Failed to get the index: %s", strings.TrimSpace(string(body)))
		return
	}
	if err := blobstore.RestoreIndex(resp.Body, c.Args().Get(1)); err != nil {
		log.Errorf("Failed to save the index: %v", err)
		return
	}
	log.Infof("Saved the index of group %s to %s", c.Args().Get(0), c.Args().Get(1))
}

// cmdShell implements "shell" subcommand.
func (b *recCli) cmdShell(c *cli.Context) {
	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)

	// Complete command names.
	liner.SetCompleter(func(line string) (c []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer liner.Close()

	for {
		input, err := liner.Prompt("(rec) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// We use 'shlex' because we want split input line in to tokens using
		// shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error:%v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" {
			return
		}

		if b.runCommand(c, args...) == nil {
			// Adds succeeded command to command history.
			liner.AppendHistory(input)
		}
	}
}

// runCommand runs a command from the command interpreter.
func (b *recCli) runCommand(c *cli.Context, args ...string) error {
	recArgs := []string{"cli", "--peers", c.GlobalString("peers")}
	if c.GlobalBool("noretry") {
		recArgs = append(recArgs, "--noretry")
	}
	recArgs = append(recArgs, args...)
	return b.run(recArgs)
}
