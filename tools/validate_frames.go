//go:build ignore

package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/muurk/netaudio/internal/protocol"
)

// hexField picks the frame out of a debug "Packet" log line.
var hexField = regexp.MustCompile(`"hex":\s*"([0-9a-fA-F]+)"`)

// Statistics tracks decoding results
type Statistics struct {
	Lines    int
	Frames   int
	Failures []Failure
	Opcodes  map[protocol.Opcode]int
	Statuses map[protocol.Status]int
}

// Failure records one line that did not decode
type Failure struct {
	Line  int
	Hex   string
	Error string
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: validate_frames <file>")
		fmt.Println("Each line is a hex-encoded control frame or a debug log line with a \"hex\" field.")
		fmt.Println("Example: NETAUDIO_LOG_LEVEL=debug netaudio-ctl channels Desk 2> trace.log")
		fmt.Println("         go run tools/validate_frames.go trace.log")
		os.Exit(1)
	}

	f, err := os.Open(os.Args[1])
	if err != nil {
		fmt.Printf("Error opening file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	stats := Statistics{
		Opcodes:  make(map[protocol.Opcode]int),
		Statuses: make(map[protocol.Status]int),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		stats.Lines++
		raw := frameHex(scanner.Text())
		if raw == "" {
			continue
		}
		if err := check(raw, &stats); err != nil {
			stats.Failures = append(stats.Failures, Failure{Line: stats.Lines, Hex: raw, Error: err.Error()})
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Printf("Error reading file: %v\n", err)
		os.Exit(1)
	}

	report(stats)
	if len(stats.Failures) > 0 {
		os.Exit(1)
	}
}

func frameHex(line string) string {
	if m := hexField.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	if _, err := hex.DecodeString(line); err != nil {
		return ""
	}
	return line
}

// check decodes one frame and runs the body parser for its opcode.
func check(raw string, stats *Statistics) error {
	data, err := hex.DecodeString(raw)
	if err != nil {
		return err
	}
	msg, n, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("%d trailing bytes", len(data)-n)
	}
	stats.Frames++
	stats.Opcodes[msg.Opcode]++
	stats.Statuses[msg.Status]++

	// Requests carry no body worth parsing.
	if len(msg.Body) == 0 {
		return nil
	}
	switch msg.Opcode {
	case protocol.OpChannelCount:
		if msg.Status.OK() {
			_, err = protocol.ParseChannelCount(msg)
		}
	case protocol.OpTxChannelNames, protocol.OpRxChannelNames:
		if msg.Status.OK() {
			_, _, err = protocol.ParseChannelNames(msg)
		}
	case protocol.OpNotification:
		_, err = protocol.ParseNotification(msg)
	case protocol.OpSubscribe, protocol.OpSubscribeLegacy:
		if msg.Status == protocol.StatusRequest {
			_, err = protocol.ParseSubscribe(msg)
		}
	}
	return err
}

func report(stats Statistics) {
	fmt.Printf("Lines read:      %d\n", stats.Lines)
	fmt.Printf("Frames decoded:  %d\n", stats.Frames)
	fmt.Printf("Failures:        %d\n\n", len(stats.Failures))

	ops := make([]protocol.Opcode, 0, len(stats.Opcodes))
	for op := range stats.Opcodes {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	fmt.Println("By opcode:")
	for _, op := range ops {
		fmt.Printf("  0x%04x %-18s %d\n", uint16(op), op, stats.Opcodes[op])
	}

	statuses := make([]protocol.Status, 0, len(stats.Statuses))
	for s := range stats.Statuses {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	fmt.Println("\nBy status:")
	for _, s := range statuses {
		fmt.Printf("  %-20s %d\n", s, stats.Statuses[s])
	}

	if len(stats.Failures) > 0 {
		fmt.Println("\nFailed frames:")
		for _, f := range stats.Failures {
			fmt.Printf("  line %d: %s\n    %s\n", f.Line, f.Error, f.Hex)
		}
	}
}
