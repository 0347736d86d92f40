// Package rservetest provides a stand-in Rserve server for tests.
//
// A test binary becomes the server when it is started with EnvKey=1: call MainIfRequested
// from TestMain and point the launcher at os.Executable(). InstallRscript makes it stand
// in for Rscript the same way. The server speaks the Rserve identification handshake
// followed by a line protocol with one workspace per connection:
//
//	SET <name> <value>  -> OK
//	GET <name>          -> <value> or NULL
//	LS                  -> number of variables in the workspace
//	ENV <key>           -> value of an environment variable of the server
//	PWD                 -> working directory of the server
//	PID                 -> process id of the server
//	ARGS                -> command line arguments, space separated
package rservetest

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
)

const (
	// EnvKey turns a test binary into the fake server
	EnvKey = "RPOOL_FAKE_RSERVE"
	// IgnoreTermKey makes the fake server ignore SIGTERM, so only a forceful kill stops it
	IgnoreTermKey = "RPOOL_FAKE_RSERVE_IGNORE_TERM"
	// CrashKey makes the fake server exit with status 3 before it listens
	CrashKey = "RPOOL_FAKE_RSERVE_CRASH"
	// Header is what a real Rserve 0.6+ sends on accept
	Header = "Rsrv0103QAP1\r\n\r\n--------------\r\n"
)

// Env returns the variables a launcher has to pass so the child runs the fake server
func Env(ignoreTerm bool) []string {
	env := []string{EnvKey + "=1"}
	if ignoreTerm {
		env = append(env, IgnoreTermKey+"=1")
	}
	return env
}

// MainIfRequested runs the fake server or the fake Rscript and exits when
// EnvKey or RscriptKey is set, it returns otherwise
func MainIfRequested() {
	if os.Getenv(EnvKey) != "1" {
		props, ok := os.LookupEnv(RscriptKey)
		if !ok {
			return
		}
		if err := rscript(props, os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if err := serve(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func serve(args []string) error {
	host, port := "127.0.0.1", ""
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "--RS-port":
			port = args[i+1]
		case "--RS-host":
			host = args[i+1]
		}
	}
	if port == "" {
		return fmt.Errorf("missing --RS-port in %v", args)
	}
	if os.Getenv(CrashKey) == "1" {
		fmt.Fprintln(os.Stderr, "Fatal error: unable to initialize the JIT")
		os.Exit(3)
	}
	if os.Getenv(IgnoreTermKey) == "1" {
		signal.Ignore(syscall.SIGTERM)
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return err
	}
	fmt.Println("Rserv started in daemon mode.")
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go handle(conn)
	}
}

func handle(conn net.Conn) {
	defer conn.Close()
	if _, err := conn.Write([]byte(Header)); err != nil {
		return
	}
	workspace := map[string]string{}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		var reply string
		switch strings.ToUpper(fields[0]) {
		case "SET":
			if len(fields) < 3 {
				reply = "ERR usage: SET <name> <value>"
				break
			}
			workspace[fields[1]] = strings.Join(fields[2:], " ")
			reply = "OK"
		case "GET":
			v, ok := workspace[arg(fields)]
			if !ok {
				v = "NULL"
			}
			reply = v
		case "LS":
			reply = strconv.Itoa(len(workspace))
		case "ENV":
			reply = os.Getenv(arg(fields))
		case "PWD":
			reply, _ = os.Getwd()
		case "PID":
			reply = strconv.Itoa(os.Getpid())
		case "ARGS":
			reply = strings.Join(os.Args[1:], " ")
		default:
			reply = "ERR unknown command " + fields[0]
		}
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}

func arg(fields []string) string {
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// Client talks the line protocol over an established connection
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, reader: bufio.NewReader(conn)}
}

// Eval sends one command and returns the reply line
func (c *Client) Eval(command string) (string, error) {
	if _, err := fmt.Fprintln(c.conn, command); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
