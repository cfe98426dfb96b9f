package server

import (
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/mi0772/podcache/internal/cache"
	"github.com/mi0772/podcache/internal/lru"
	"github.com/mi0772/podcache/internal/resp"
)

// readBufferSize is the size of the fixed scratch chunk each socket
// read fills. Read bytes are appended to a separate pending buffer,
// which grows until it holds a complete frame; that buffer has no size
// cap of its own, only the parser's per-frame limits.
const readBufferSize = 16 * 1024

// handleConnection owns one client socket end to end: read, parse,
// dispatch, reply, until the client disconnects, sends QUIT, or a
// write fails. A malformed frame gets an error reply and the
// connection stays open.
func handleConnection(conn net.Conn, c *cache.Cache, log *zap.Logger) {
	defer conn.Close()
	log.Debug("client connected")
	defer log.Debug("client disconnected")

	var pending []byte
	chunk := make([]byte, readBufferSize)

	for {
		cmd, ok := nextCommand(conn, chunk, &pending, log)
		if !ok {
			return
		}

		reply, shouldClose := dispatch(cmd, c)
		if reply != nil {
			if _, err := conn.Write(reply); err != nil {
				log.Debug("write failed", zap.Error(err))
				return
			}
		}
		if shouldClose {
			return
		}
	}
}

// nextCommand reads from conn until pending holds one full frame, then
// parses and consumes it. It returns ok=false only when the connection
// itself is gone (EOF or read error); a malformed frame is reported to
// the client and the loop keeps going with an empty buffer (spec §4.6
// step 5: "on parse error, send an error, discard all buffered bytes,
// continue").
func nextCommand(conn net.Conn, chunk []byte, pending *[]byte, log *zap.Logger) (resp.Command, bool) {
	for {
		cmd, consumed, status := resp.Parse(*pending)
		switch status {
		case resp.Complete:
			*pending = (*pending)[consumed:]
			return cmd, true
		case resp.Malformed:
			log.Debug("malformed frame, discarding buffer")
			*pending = (*pending)[:0]
			if _, err := conn.Write(resp.Error("protocol error")); err != nil {
				log.Debug("write failed", zap.Error(err))
				return resp.Command{}, false
			}
			continue
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			*pending = append(*pending, chunk[:n]...)
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("read failed", zap.Error(err))
			}
			return resp.Command{}, false
		}
	}
}

// dispatch executes one parsed command against the cache and returns
// the wire reply plus whether the connection should close afterward.
func dispatch(cmd resp.Command, c *cache.Cache) (reply []byte, shouldClose bool) {
	switch resp.DecodeCommand(cmd.Name) {
	case resp.Ping:
		return resp.SimpleString("PONG"), false

	case resp.Quit:
		return resp.SimpleString("BYE"), true

	case resp.Client:
		// CLIENT subcommands (SETNAME, GETNAME, ...) are tolerated but
		// not tracked; podcache has no per-client state to report.
		return resp.SimpleString("OK"), false

	case resp.Set:
		if len(cmd.Args) != 2 {
			return resp.Error("wrong number of arguments for 'set' command"), false
		}
		if err := c.Put(string(cmd.Args[0]), cmd.Args[1]); err != nil {
			return resp.Error("failed to store value"), false
		}
		return resp.SimpleString("OK"), false

	case resp.Get:
		if len(cmd.Args) != 1 {
			return resp.Error("wrong number of arguments for 'get' command"), false
		}
		value, ok, err := c.Get(string(cmd.Args[0]))
		if err != nil {
			return resp.Error("error"), false
		}
		if !ok {
			return resp.NullBulkString(), false
		}
		return resp.BulkString(value), false

	case resp.Del, resp.Unlink:
		if len(cmd.Args) != 1 {
			return resp.Error("wrong number of arguments for 'del' command"), false
		}
		removed, err := c.Evict(string(cmd.Args[0]))
		if err != nil {
			return resp.Error("error"), false
		}
		if removed {
			return resp.Integer(1), false
		}
		return resp.Integer(0), false

	case resp.Incr:
		if len(cmd.Args) != 1 {
			return resp.Error("wrong number of arguments for 'incr' command"), false
		}
		val, err := c.Incr(string(cmd.Args[0]))
		if err != nil {
			if errors.Is(err, lru.ErrNotInteger) {
				return resp.Error("value is not an integer or out of range"), false
			}
			return resp.Error("failed to store value"), false
		}
		return resp.Integer(val), false

	default:
		return resp.Error("unknown command '" + cmd.Name + "'"), false
	}
}
