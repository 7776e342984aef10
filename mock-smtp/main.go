package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var messageCount atomic.Int64

// A throwaway SMTP sink for local testing. Behavior is keyed on the
// recipient address:
//
//	accept@...  -> 250 OK
//	slow@...    -> 250 OK after a 3 second delay
//	reject@...  -> 550 mailbox unavailable
//
// Anything else is accepted. Messages are logged, never stored.
func main() {
	port := "2525"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		log.Fatalf("listen error: %v", err)
	}

	log.Printf("Mock SMTP sink listening on :%s", port)
	log.Printf("  RCPT accept@<any>  -> 250 OK")
	log.Printf("  RCPT slow@<any>    -> 250 OK (3s delay)")
	log.Printf("  RCPT reject@<any>  -> 550 mailbox unavailable")

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("accept error: %v", err)
			continue
		}
		go serve(conn)
	}
}

func serve(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	reply := func(code int, msg string) {
		fmt.Fprintf(w, "%d %s\r\n", code, msg)
		w.Flush()
	}

	reply(220, "mock-smtp ready")

	var from, rcpt string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(verb, "EHLO"), strings.HasPrefix(verb, "HELO"):
			reply(250, "mock-smtp")
		case strings.HasPrefix(verb, "MAIL FROM:"):
			from = strings.Trim(line[len("MAIL FROM:"):], "<> ")
			reply(250, "OK")
		case strings.HasPrefix(verb, "RCPT TO:"):
			rcpt = strings.Trim(line[len("RCPT TO:"):], "<> ")
			switch {
			case strings.HasPrefix(rcpt, "reject@"):
				logMessage(from, rcpt, 550)
				reply(550, "mailbox unavailable")
			case strings.HasPrefix(rcpt, "slow@"):
				time.Sleep(3 * time.Second)
				reply(250, "OK")
			default:
				reply(250, "OK")
			}
		case strings.HasPrefix(verb, "DATA"):
			reply(354, "end with <CRLF>.<CRLF>")
			var size int
			for {
				dl, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(dl, "\r\n") == "." {
					break
				}
				size += len(dl)
			}
			logMessage(from, rcpt, 250)
			reply(250, fmt.Sprintf("OK: queued %d bytes", size))
		case strings.HasPrefix(verb, "RSET"):
			from, rcpt = "", ""
			reply(250, "OK")
		case strings.HasPrefix(verb, "QUIT"):
			reply(221, "bye")
			return
		default:
			reply(250, "OK")
		}
	}
}

func logMessage(from, rcpt string, code int) {
	count := messageCount.Add(1)
	fmt.Printf("[#%d] %s -> %s | %d\n", count, from, rcpt, code)
}
