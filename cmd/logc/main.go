// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command logc is a thin client of the request/subscription layers:
// it opens a log read-only and dumps its metadata, a recno/timestamp/
// hash range of datums, or a live tail of new appends, all to stdout.
// It is not part of the core -- it exercises the same public API an
// external tool would use to talk to a logd over a router connection.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gdp-project/gdp/internal/build"
	"github.com/gdp-project/gdp/internal/channel"
	"github.com/gdp-project/gdp/internal/datum"
	"github.com/gdp-project/gdp/internal/event"
	"github.com/gdp-project/gdp/internal/gdperr"
	"github.com/gdp-project/gdp/internal/metadata"
	"github.com/gdp-project/gdp/internal/proto"
	"github.com/gdp-project/gdp/internal/request"
	"github.com/gdp-project/gdp/internal/subscr"
)

const (
	exitClean    = 0
	exitSoftware = 70
)

type clientFlags struct {
	routerAddr string
	selfName   string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log := logrus.StandardLogger()

	var f clientFlags
	app := kingpin.New("logc", "Read-only client for a GDP log server.")
	app.HelpFlag.Short('h')
	app.Flag("router", "Router host:port to connect through.").Short('G').Required().StringVar(&f.routerAddr)
	app.Flag("name", "Client identity advertised to the router.").Short('N').Default("logc").StringVar(&f.selfName)

	version := app.Command("version", "Print build information.")

	metadataCmd := app.Command("metadata", "Fetch and print a log's metadata.")
	metadataLog := metadataCmd.Arg("log", "Log name, 64 hex characters.").Required().String()

	openCmd := app.Command("open", "Open a log and print its metadata.")
	openLog := openCmd.Arg("log", "Log name, 64 hex characters.").Required().String()
	openMode := openCmd.Flag("mode", "Access mode: ao, ro, or ra.").Default("ro").Enum("ao", "ro", "ra")

	readCmd := app.Command("read", "Read a range of datums.")
	readLog := readCmd.Arg("log", "Log name, 64 hex characters.").Required().String()
	readRecno := readCmd.Flag("recno", "Starting record number (1-based).").Int64()
	readTs := readCmd.Flag("ts", "Starting Unix timestamp in seconds.").Int64()
	readHash := readCmd.Flag("hash", "Record content hash, hex encoded.").String()
	readNRecs := readCmd.Flag("nrecs", "Number of records (0 reads exactly one record).").Default("0").Int64()

	subCmd := app.Command("subscribe", "Tail a log, printing new records as they arrive.")
	subLog := subCmd.Arg("log", "Log name, 64 hex characters.").Required().String()
	subRecno := subCmd.Flag("recno", "Starting record number (1-based).").Default("1").Int64()
	subNRecs := subCmd.Flag("nrecs", "Number of records to deliver before stopping (0 means unbounded).").Default("0").Int64()
	subTimeout := subCmd.Flag("timeout", "Server-side lease timeout.").Default("5m").Duration()

	cmd, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSoftware
	}

	if cmd == version.FullCommand() {
		fmt.Println(build.String())
		return exitClean
	}

	selfName := sha256.Sum256([]byte(f.selfName))

	active := event.NewActiveQueue()
	var dispatchLog logrus.FieldLogger = log.WithField("context", "logc")
	recv := func(src, dst [32]byte, seqno uint32, payload []byte) {
		msg, derr := proto.DecodeMessage(payload)
		if derr != nil {
			dispatchLog.WithError(derr).Warn("discarding undecodable frame")
			return
		}
		var l5 uint16
		if msg.L5Seqno != nil {
			l5 = *msg.L5Seqno
		}
		var status *gdperr.Status
		if nak, ok := msg.Body.(proto.NakGenericBody); ok {
			status = gdperr.New(gdperr.ERROR, gdperr.ModuleProto, nak.Detail, errors.New(nak.Description))
		}
		if !request.Route(msg, l5, status) {
			dispatchLog.WithField("rid", msg.Rid).Debug("unmatched response")
		}
	}
	events := func(flags channel.EventFlag) {
		switch {
		case flags&channel.EventError != 0:
			dispatchLog.Warn("router connection error")
		case flags&channel.EventEOF != 0:
			dispatchLog.Warn("router connection closed")
		}
	}
	routerNak := func(src, dst [32]byte, payloadLen int, rerr error) {
		dispatchLog.WithError(rerr).Warn("router could not deliver a frame")
	}

	ch, err := channel.Open(f.routerAddr, dispatchLog, recv, events, routerNak)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "connecting to router"))
		return exitSoftware
	}
	defer ch.Close()

	encode := func(body proto.Body) ([]byte, error) {
		return proto.EncodeMessage(&proto.Message{SrcName: selfName, DstName: selfName, Body: body})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case metadataCmd.FullCommand():
		return runMetadata(ctx, ch, selfName, encode, *metadataLog, log)
	case openCmd.FullCommand():
		return runOpen(ctx, ch, selfName, encode, *openLog, *openMode, log)
	case readCmd.FullCommand():
		return runRead(ctx, ch, selfName, encode, *readLog, *readRecno, *readTs, *readHash, *readNRecs, log)
	case subCmd.FullCommand():
		return runSubscribe(ch, selfName, encode, *subLog, *subRecno, *subNRecs, *subTimeout, active, log)
	default:
		fmt.Fprintln(os.Stderr, "no command given")
		return exitSoftware
	}
}

func parseLogName(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, errors.Errorf("log name must be 64 hex characters, got %q", s)
	}
	copy(out[:], b)
	return out, nil
}

func invoke(ctx context.Context, ch channel.Sender, logName, selfName [32]byte, cmd proto.Body, encode func(proto.Body) ([]byte, error), log logrus.FieldLogger) (proto.Body, *gdperr.Status) {
	req := request.New(ch, logName, selfName, cmd, 0, log)
	req.Unlock()
	resp, status := req.Invoke(ctx, encode, request.DefaultOptions)
	request.Free(req)
	return resp, status
}

func printMetadata(raw []byte) error {
	md, err := metadata.Deserialize(raw)
	if err != nil {
		return err
	}
	md.Iter(func(tag metadata.Tag, value []byte) {
		fmt.Printf("  %-16d %q\n", tag, value)
	})
	return nil
}

func runMetadata(ctx context.Context, ch channel.Sender, selfName [32]byte, encode func(proto.Body) ([]byte, error), logHex string, log logrus.FieldLogger) int {
	logName, err := parseLogName(logHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSoftware
	}

	resp, status := invoke(ctx, ch, logName, selfName, proto.GetMetadataCmd{}, encode, log)
	if !status.IsOK() {
		fmt.Fprintln(os.Stderr, status.Error())
		return exitSoftware
	}
	body, ok := resp.(proto.AckSuccessBody)
	if !ok {
		fmt.Fprintf(os.Stderr, "unexpected response %T\n", resp)
		return exitSoftware
	}
	fmt.Printf("log %s:\n", logHex)
	if err := printMetadata(body.Metadata); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSoftware
	}
	return exitClean
}

func runOpen(ctx context.Context, ch channel.Sender, selfName [32]byte, encode func(proto.Body) ([]byte, error), logHex, mode string, log logrus.FieldLogger) int {
	logName, err := parseLogName(logHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSoftware
	}

	var openMode proto.OpenMode
	switch mode {
	case "ao":
		openMode = proto.OpenAO
	case "ra":
		openMode = proto.OpenRA
	default:
		openMode = proto.OpenRO
	}

	resp, status := invoke(ctx, ch, logName, selfName, proto.OpenCmd{Mode: openMode}, encode, log)
	if !status.IsOK() {
		fmt.Fprintln(os.Stderr, status.Error())
		return exitSoftware
	}
	body, ok := resp.(proto.AckSuccessBody)
	if !ok {
		fmt.Fprintf(os.Stderr, "unexpected response %T\n", resp)
		return exitSoftware
	}
	fmt.Printf("opened %s (%s):\n", logHex, mode)
	if err := printMetadata(body.Metadata); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSoftware
	}
	return exitClean
}

func printDatums(raw [][]byte) {
	for _, b := range raw {
		d, err := datum.Decode(b)
		if err != nil {
			fmt.Printf("  <undecodable: %v>\n", err)
			continue
		}
		fmt.Printf("  recno=%d ts=%d.%09d %q\n", d.Recno, d.TS.Sec, d.TS.Nsec, d.Payload)
	}
}

func runRead(ctx context.Context, ch channel.Sender, selfName [32]byte, encode func(proto.Body) ([]byte, error), logHex string, recno, ts int64, hashHex string, nrecs int64, log logrus.FieldLogger) int {
	logName, err := parseLogName(logHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSoftware
	}

	var cmd proto.Body
	switch {
	case hashHex != "":
		hash, herr := hex.DecodeString(hashHex)
		if herr != nil {
			fmt.Fprintln(os.Stderr, errors.Wrap(herr, "parsing --hash"))
			return exitSoftware
		}
		cmd = proto.ReadByHashCmd{Hash: hash}
	case ts != 0:
		cmd = proto.ReadByTsCmd{Sec: ts, NRecs: nrecs}
	default:
		if recno == 0 {
			recno = 1
		}
		cmd = proto.ReadByRecnoCmd{Recno: recno, NRecs: nrecs}
	}

	resp, status := invoke(ctx, ch, logName, selfName, cmd, encode, log)
	if !status.IsOK() {
		fmt.Fprintln(os.Stderr, status.Error())
		return exitSoftware
	}
	body, ok := resp.(proto.AckContentBody)
	if !ok {
		fmt.Fprintf(os.Stderr, "unexpected response %T\n", resp)
		return exitSoftware
	}
	printDatums(body.Datums)
	return exitClean
}

func runSubscribe(ch channel.Sender, selfName [32]byte, encode func(proto.Body) ([]byte, error), logHex string, recno, nrecs int64, leaseTimeout time.Duration, active *event.ActiveQueue, log logrus.FieldLogger) int {
	logName, err := parseLogName(logHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSoftware
	}

	subCtx, subCancel := context.WithTimeout(context.Background(), 30*time.Second)
	cs, status := subscr.Subscribe(subCtx, ch, logName, selfName, recno, nrecs, leaseTimeout, encode, active, log)
	subCancel()
	if !status.IsOK() {
		fmt.Fprintln(os.Stderr, status.Error())
		return exitSoftware
	}

	poker := subscr.NewPoker(0, log.WithField("context", "poker"))
	poker.Register(cs)
	defer poker.Unregister(cs)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go poker.Run(runCtx) // nolint:errcheck

	fmt.Printf("subscribed to %s from recno %d\n", logHex, recno)
	handle := logName
	for {
		ev, err := event.Next(runCtx, active, &handle)
		if err != nil {
			break
		}
		switch ev.Type {
		case event.TypeData:
			fmt.Printf("  recno=%d %q\n", ev.Datum.Recno, ev.Datum.Payload)
		case event.TypeDone:
			fmt.Println("end of results")
			if nrecs != 0 {
				_ = cs.Unsubscribe(context.Background())
				return exitClean
			}
		}
	}
	_ = cs.Unsubscribe(context.Background())
	return exitClean
}
