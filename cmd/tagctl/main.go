package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/iskrov/kotori-sub005/internal/crypto"
	"github.com/iskrov/kotori-sub005/internal/detector"
	"github.com/iskrov/kotori-sub005/internal/session"
	"github.com/iskrov/kotori-sub005/internal/storage"
	"github.com/iskrov/kotori-sub005/internal/transport"
)

func main() {
	// ---- register ----
	registerCmd := flag.NewFlagSet("register", flag.ExitOnError)
	regServer := registerCmd.String("server", defaultServer(), "daemon base URL")
	regName := registerCmd.String("name", "", "tag name")
	regColor := registerCmd.String("color", "", "color hint for the UI")
	regVault := registerCmd.String("vault", "", "vault id to provision (default: derived from name)")
	regMobile := registerCmd.Bool("mobile", false, "use the lighter phrase stretching profile")

	// ---- speak ----
	speakCmd := flag.NewFlagSet("speak", flag.ExitOnError)
	spServer := speakCmd.String("server", defaultServer(), "daemon base URL")
	spState := speakCmd.String("state", defaultStatePath(), "local state database")
	spPanic := speakCmd.String("panic-phrase", "", "duress phrase that wipes all sessions")
	spMobile := speakCmd.Bool("mobile", false, "use the lighter phrase stretching profile")

	// ---- put ----
	putCmd := flag.NewFlagSet("put", flag.ExitOnError)
	putServer := putCmd.String("server", defaultServer(), "daemon base URL")
	putTag := putCmd.String("tag", "", "tag id")
	putFile := putCmd.String("file", "", "file to store (default: stdin)")
	putType := putCmd.String("type", "text/plain", "content type")
	putMobile := putCmd.Bool("mobile", false, "use the lighter phrase stretching profile")

	// ---- get ----
	getCmd := flag.NewFlagSet("get", flag.ExitOnError)
	getServer := getCmd.String("server", defaultServer(), "daemon base URL")
	getTag := getCmd.String("tag", "", "tag id")
	getID := getCmd.String("id", "", "object id")
	getMobile := getCmd.Bool("mobile", false, "use the lighter phrase stretching profile")

	// ---- tags ----
	tagsCmd := flag.NewFlagSet("tags", flag.ExitOnError)
	tagsServer := tagsCmd.String("server", defaultServer(), "daemon base URL")

	// ---- delete ----
	delCmd := flag.NewFlagSet("delete", flag.ExitOnError)
	delServer := delCmd.String("server", defaultServer(), "daemon base URL")
	delTag := delCmd.String("tag", "", "tag id")

	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "register":
		_ = registerCmd.Parse(os.Args[2:])
		dieIf(cmdRegister(*regServer, *regName, *regColor, *regVault, *regMobile))

	case "speak":
		_ = speakCmd.Parse(os.Args[2:])
		dieIf(cmdSpeak(*spServer, *spState, *spPanic, *spMobile))

	case "put":
		_ = putCmd.Parse(os.Args[2:])
		dieIf(cmdPut(*putServer, *putTag, *putFile, *putType, *putMobile))

	case "get":
		_ = getCmd.Parse(os.Args[2:])
		dieIf(cmdGet(*getServer, *getTag, *getID, *getMobile))

	case "tags":
		_ = tagsCmd.Parse(os.Args[2:])
		dieIf(cmdTags(*tagsServer))

	case "delete":
		_ = delCmd.Parse(os.Args[2:])
		dieIf(cmdDelete(*delServer, *delTag))

	default:
		usage()
	}
}

func usage() {
	fmt.Print(`tagctl commands:

  register --name journal [--color "#3366ff"] [--vault id] [--mobile]
  speak    [--panic-phrase "..."] [--state path]
  put      --tag <TAG_ID> [--file path] [--type text/plain]
  get      --tag <TAG_ID> --id <OBJECT_ID>
  tags
  delete   --tag <TAG_ID>

The phrase is always prompted, never passed on the command line.
`)
}

func cmdRegister(serverURL, name, color, vaultID string, mobile bool) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("--name required")
	}
	phrase, err := promptPhrase("Secret phrase: ")
	if err != nil {
		return err
	}
	defer crypto.Zero(phrase)
	confirm, err := promptPhrase("Repeat phrase: ")
	if err != nil {
		return err
	}
	defer crypto.Zero(confirm)
	if !crypto.Equal(phrase, confirm) {
		return errors.New("phrases do not match")
	}

	client := transport.New(transport.Config{BaseURL: serverURL, Mobile: mobile})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	tagID, kek, err := client.Register(ctx, name, color, phrase)
	if err != nil {
		return err
	}
	defer crypto.Zero(kek)

	if vaultID == "" {
		vaultID = "vault-" + strings.ReplaceAll(strings.ToLower(name), " ", "-")
	}
	if err := client.ProvisionVault(ctx, tagID, kek, vaultID, "journal"); err != nil {
		return err
	}
	fmt.Println("Registered tag:", tagID)
	fmt.Println("Vault provisioned:", vaultID)
	return nil
}

// cmdSpeak reads transcript lines from stdin and runs each through the
// detector, with sessions held in-process until the loop ends.
func cmdSpeak(serverURL, statePath, panicPhrase string, mobile bool) error {
	kv, err := openState(statePath)
	if err != nil {
		return err
	}

	mgr, err := session.NewManager(context.Background(), session.Config{Store: kv}, nil)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if recovered, err := mgr.Recover(context.Background()); err == nil && len(recovered) > 0 {
		fmt.Printf("Previous run left %d session(s); re-authenticate to resume.\n", len(recovered))
	}

	client := transport.New(transport.Config{BaseURL: serverURL, Mobile: mobile, Sessions: mgr})

	cfg := detector.Config{
		PerTagTimeout:  10 * time.Second,
		OverallTimeout: 30 * time.Second,
	}
	if panicPhrase != "" {
		h := crypto.IdentifierHash([]byte(detector.Normalize(panicPhrase)))
		cfg.PanicHash = h[:]
	}
	det := detector.New(cfg, client, client, mgr, nil)

	fmt.Println("Listening. Type an utterance per line, Ctrl-D to stop.")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		results, err := det.Process(context.Background(), sc.Text())
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		for _, r := range results {
			switch {
			case r.Action == detector.ActionPanic:
				fmt.Println("!! panic wipe")
			case r.Err != nil:
				fmt.Printf("%s: failed\n", r.TagName)
			default:
				fmt.Printf("%s: %s\n", r.TagName, r.Action)
			}
		}
	}

	stats := mgr.Stats()
	b, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(b))
	return sc.Err()
}

// withSession authenticates a tag for the duration of fn, then closes the
// session again.
func withSession(serverURL, tagID string, mobile bool, fn func(ctx context.Context, client *transport.Client, mgr *session.Manager) error) error {
	if tagID == "" {
		return errors.New("--tag required")
	}
	phrase, err := promptPhrase("Secret phrase: ")
	if err != nil {
		return err
	}
	defer crypto.Zero(phrase)

	mgr, err := session.NewManager(context.Background(), session.Config{}, nil)
	if err != nil {
		return err
	}
	defer mgr.Close()

	client := transport.New(transport.Config{BaseURL: serverURL, Mobile: mobile, Sessions: mgr})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := client.Authenticate(ctx, tagID, phrase); err != nil {
		return errors.New("authentication failed")
	}
	defer func() { _ = mgr.Deactivate(ctx, tagID) }()

	return fn(ctx, client, mgr)
}

func cmdPut(serverURL, tagID, file, contentType string, mobile bool) error {
	var (
		data []byte
		err  error
	)
	if file == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return err
	}

	return withSession(serverURL, tagID, mobile, func(ctx context.Context, client *transport.Client, mgr *session.Manager) error {
		dks, err := mgr.DataKeys(tagID)
		if err != nil || len(dks) == 0 {
			return errors.New("no vault keys for tag")
		}
		objectID, err := client.PutObject(ctx, dks[0], "", contentType, data)
		if err != nil {
			return err
		}
		fmt.Println("Stored object:", objectID)
		return nil
	})
}

func cmdGet(serverURL, tagID, objectID string, mobile bool) error {
	if objectID == "" {
		return errors.New("--id required")
	}
	return withSession(serverURL, tagID, mobile, func(ctx context.Context, client *transport.Client, mgr *session.Manager) error {
		dks, err := mgr.DataKeys(tagID)
		if err != nil || len(dks) == 0 {
			return errors.New("no vault keys for tag")
		}
		pt, err := client.GetObject(ctx, dks[0], objectID)
		if err != nil {
			return err
		}
		defer crypto.Zero(pt)
		_, err = os.Stdout.Write(pt)
		return err
	})
}

func cmdTags(serverURL string) error {
	client := transport.New(transport.Config{BaseURL: serverURL})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := client.Entries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  %s\n", e.TagID, e.TagName)
	}
	return nil
}

func cmdDelete(serverURL, tagID string) error {
	if tagID == "" {
		return errors.New("--tag required")
	}
	client := transport.New(transport.Config{BaseURL: serverURL})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.DeleteTag(ctx, tagID); err != nil {
		return err
	}
	fmt.Println("Deleted tag:", tagID)
	return nil
}

// ============ Utilities ============

func promptPhrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		return []byte(detector.Normalize(string(b))), nil
	}
	br := bufio.NewReader(os.Stdin)
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	return []byte(detector.Normalize(line)), nil
}

func openState(path string) (storage.KV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return storage.NewSQLiteKV(path)
}

func defaultServer() string {
	if v := os.Getenv("KOTORI_SERVER"); v != "" {
		return v
	}
	return "http://127.0.0.1:8470"
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./kotori-state.db"
	}
	return filepath.Join(home, ".kotori", "state.db")
}

func dieIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
