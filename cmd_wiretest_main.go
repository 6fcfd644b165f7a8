package main

import (
	"fmt"
	"github.com/rbarbey/flowmq-client-go/internal/wire"
)

func main() {
	cmd := &wire.Command{
		Type: wire.CmdConnect,
		RequestID: 0,
		ClientVersion: "flowmq-client-go",
		ProtocolVersion: 1,
	}
	raw, err := wire.EncodeFrame(cmd, nil, nil, false)
	fmt.Println("encode err:", err, "len:", len(raw))

	var dec wire.Decoder
	dec.Feed(raw)
	f, ferr := dec.Pull()
	fmt.Println("pull err:", ferr)
	if f != nil {
		fmt.Printf("cmd: %+v\n", f.Command)
	}
}
