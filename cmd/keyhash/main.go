// Command keyhash produces the bcrypt hashes expected in ROTOR_ADMIN_KEY_HASH and
// ROTOR_SERVICE_KEY_HASH.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"rotor.dev/internal/auth"
)

func main() {
	log.SetFlags(0)
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		log.Fatalf("keyhash: %v", err)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := pflag.NewFlagSet("keyhash", pflag.ContinueOnError)
	var (
		key    = fs.String("key", "", "key to hash (read from stdin when empty)")
		verify = fs.String("verify", "", "check the key against this hash instead of hashing it")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	k := strings.TrimSpace(*key)
	if k == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read key: %w", err)
		}
		k = strings.TrimSpace(line)
	}
	if k == "" {
		return errors.New("no key given: pass --key or pipe it on stdin")
	}

	if *verify != "" {
		if err := auth.VerifyKey(*verify, k); err != nil {
			return err
		}
		_, err := fmt.Fprintln(stdout, "ok")
		return err
	}
	hash, err := auth.HashKey(k)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, hash)
	return err
}
