// Command-line interface to the ICH segmentation service.
// Serves the web API or runs the same pipeline on local files.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/janelia-flyem/ichseg/ichseg"
	"github.com/janelia-flyem/ichseg/nifti"
	"github.com/janelia-flyem/ichseg/server"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Path to a TOML or YAML configuration file.
	configFile = flag.String("config", "", "")

	// Address for http communication, overriding the config file.
	httpAddress = flag.String("http", "", "")
)

const helpMessage = `
ichseg segments intracranial hemorrhage in NIfTI head CT volumes

Usage: ichseg [options] <command>

      -config     =string   Path to TOML or YAML configuration file.
      -http       =string   Address for HTTP communication.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	serve
	segment <nifti file>     Print ICH volume statistics as JSON
	infer   <nifti file>     Write mask and overlay artifacts, print their paths as JSON
	token   <user>           Print a JWT signed with the configured secret key
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}
	if *runVerbose {
		ichseg.Verbose = true
		ichseg.SetLogMode(ichseg.DebugMode)
	}

	if err := DoCommand(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		ichseg.Shutdown()
		os.Exit(1)
	}
	ichseg.Shutdown()
}

// DoCommand serves as a switchboard for commands.
func DoCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("blank command")
	}
	switch args[0] {
	case "about":
		fmt.Printf("ichseg %s\nSupported NIfTI datatypes: %s\n", server.Version, strings.Join(nifti.DatatypeNames(), ", "))
		return nil
	case "serve":
		return DoServe()
	case "segment", "infer":
		if len(args) < 2 {
			return fmt.Errorf("%s command must be followed by the path to a NIfTI file", args[0])
		}
		return DoLocal(args[0], args[1])
	case "token":
		if len(args) < 2 {
			return fmt.Errorf("token command must be followed by a user name")
		}
		return DoToken(args[1])
	default:
		return fmt.Errorf("unknown command %q, try 'ichseg help'", args[0])
	}
}

func loadConfig() (*server.Config, error) {
	config, err := server.LoadConfig(*configFile)
	if err != nil {
		return nil, err
	}
	if *httpAddress != "" {
		config.Server.HTTPAddress = *httpAddress
	}
	return config, nil
}

// DoServe runs the web server until a stop signal is received.
func DoServe() error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	config.Logging.SetLogger()
	service, err := server.NewService(config)
	if err != nil {
		return err
	}

	// Capture ctrl+c and other interrupts.  Then handle graceful shutdown.
	stopSig := make(chan os.Signal, 1)
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() {
		sig := <-stopSig
		log.Printf("Stop signal captured: %q.  Shutting down...\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		done <- service.Shutdown(ctx)
	}()

	if err := service.Serve(); err != nil {
		return err
	}
	return <-done
}

// DoLocal runs the segment or infer pipeline on a local file and prints the result.
func DoLocal(command, path string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	service, err := server.NewService(config)
	if err != nil {
		return err
	}
	var result interface{}
	if command == "segment" {
		result, err = service.SegmentFile(context.Background(), path)
	} else {
		result, err = service.InferFile(context.Background(), path)
	}
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// DoToken prints a JWT for the user.
func DoToken(user string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	token, err := server.GenerateJWT(user, config.Auth.SecretKey)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
