// Command frost-rendezvous is a thin driver over the protocol engines: a
// registry of participants, FROST distributed key generation, and
// threshold signing, coordinated through a key/value rendezvous transport.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/collect"
	"github.com/bartke/frost-rendezvous/dkg"
	"github.com/bartke/frost-rendezvous/envelope"
	"github.com/bartke/frost-rendezvous/kv"
	"github.com/bartke/frost-rendezvous/party"
	"github.com/bartke/frost-rendezvous/protocol"
	"github.com/bartke/frost-rendezvous/registry"
	"github.com/bartke/frost-rendezvous/signing"
	"github.com/bartke/frost-rendezvous/state"
	"github.com/bartke/frost-rendezvous/xid"
)

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

type app struct {
	engine protocol.Engine
}

func newApp(registryPath, transport, dir, url string, verbose bool) *app {
	log := zap.NewNop()
	if verbose {
		log, _ = zap.NewDevelopment()
	}

	reg := registry.New(registryPath, log)
	st := state.New(reg.Dir(), log)

	var store kv.Store
	var err error
	switch transport {
	case "dir":
		store, err = kv.NewFSStore(dir)
		if err != nil {
			fail(err)
		}
	case "http":
		store = kv.NewHTTPStore(url, nil, log)
	default:
		fail(fmt.Errorf("unknown transport %q", transport))
	}

	return &app{engine: protocol.Engine{Registry: reg, State: st, Transport: store, Log: log}}
}

func (a *app) coordinator() *dkg.Coordinator      { return &dkg.Coordinator{Engine: a.engine} }
func (a *app) participant() *dkg.Participant      { return &dkg.Participant{Engine: a.engine} }
func (a *app) signCoordinator() *signing.Coordinator { return &signing.Coordinator{Engine: a.engine} }
func (a *app) signer() *signing.Signer            { return &signing.Signer{Engine: a.engine} }

func progress() collect.Progress {
	return func(name string, outcome collect.Outcome) {
		fmt.Printf("%-20s %s\n", name, outcome)
	}
}

func main() {
	var (
		registryPath = flag.String("registry", defaultRegistryPath(), "Registry file")
		transport    = flag.String("transport", "dir", "Transport: dir or http")
		storeDir     = flag.String("store-dir", "/tmp/frost-rendezvous", "Slot directory for the dir transport")
		serverURL    = flag.String("server", "http://localhost:8080", "Rendezvous server for the http transport")
		timeout      = flag.Duration("timeout", collect.DefaultTimeout, "Collection timeout")
		parallel     = flag.Bool("parallel", false, "Collect and dispatch concurrently")
		preview      = flag.Bool("preview", false, "Build requests without posting them")
		verbose      = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
	}

	a := newApp(*registryPath, *transport, *storeDir, *serverURL, *verbose)
	ctx := context.Background()
	cfg := collect.Config{Timeout: *timeout, Parallel: *parallel, Progress: progress(), Log: a.engine.Log}
	opts := dkg.Options{Preview: *preview, Collect: cfg}
	signOpts := signing.Options{Preview: *preview, Collect: cfg}

	switch args[0] {
	case "registry":
		a.runRegistry(args[1], args[2:])
	case "group":
		a.runGroup(ctx, args[1], args[2:], opts, cfg)
	case "sign":
		a.runSign(ctx, args[1], args[2:], signOpts, cfg)
	default:
		usage()
	}
}

func defaultRegistryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "registry.json"
	}
	return filepath.Join(home, ".frost-rendezvous", "registry.json")
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: frost-rendezvous [flags] <command> <subcommand> [args]

  registry init
  registry show
  registry export <file>
  registry add <pet-name> <doc-file>

  group invite <charter> <min-signers> <pet-name>...
  group status <group>
  group receive <slot>
  group accept <group> | reject <group> <reason>
  group collect-round1 <group> | dispatch-round2 <group>
  group respond-round2 <group>
  group collect-round2 <group> | dispatch-finalize <group>
  group respond-finalize <group>
  group collect-finalize <group>

  sign start <group> <message> <pet-name>...
  sign receive <slot>
  sign commit <group> <session> | decline <group> <session> <reason>
  sign collect-commit <group> <session> | dispatch-share <group> <session>
  sign share <group> <session>
  sign finalize <group> <session>
  sign attach <group> <session>`)
	os.Exit(2)
}

func (a *app) runRegistry(cmd string, args []string) {
	reg := a.engine.Registry
	switch cmd {
	case "init":
		doc, err := xid.NewPrivateDocument(rand.Reader)
		if err != nil {
			fail(err)
		}
		if err := reg.SetOwner(doc); err != nil {
			fail(err)
		}
		fmt.Println("owner:", doc.XID().URI())
	case "show":
		err := reg.View(func(f *registry.File) error {
			if f.Owner != nil {
				fmt.Println("owner:", f.Owner.XID().URI())
			}
			for uri, p := range f.Participants {
				fmt.Printf("participant: %-12s %s\n", p.PetName, uri)
			}
			for _, g := range f.Groups {
				fmt.Printf("group: %s charter=%q status=%s\n", g.GroupID.Short(), g.Charter, g.Status)
			}
			return nil
		})
		if err != nil {
			fail(err)
		}
	case "export":
		if len(args) != 1 {
			usage()
		}
		owner, err := reg.Owner()
		if err != nil {
			fail(err)
		}
		data, err := json.MarshalIndent(owner.Public(""), "", "  ")
		if err != nil {
			fail(err)
		}
		if err := os.WriteFile(args[0], data, 0o644); err != nil {
			fail(err)
		}
	case "add":
		if len(args) != 2 {
			usage()
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			fail(err)
		}
		var doc xid.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			fail(err)
		}
		if err := reg.AddParticipant(&doc, args[0]); err != nil {
			fail(err)
		}
		fmt.Println("added:", doc.XID().URI())
	default:
		usage()
	}
}

func mustARID(s string) arid.ARID {
	id, err := arid.Parse(s)
	if err != nil {
		fail(err)
	}
	return id
}

func (a *app) runGroup(ctx context.Context, cmd string, args []string, opts dkg.Options, cfg collect.Config) {
	switch cmd {
	case "invite":
		if len(args) < 3 {
			usage()
		}
		var minSigners uint16
		if _, err := fmt.Sscanf(args[1], "%d", &minSigners); err != nil {
			fail(err)
		}
		res, err := a.coordinator().Invite(ctx, args[0], party.Size(minSigners), args[2:], opts)
		if err != nil {
			fail(err)
		}
		fmt.Println("group:", res.GroupID.UR())
		for i, r := range res.Routes {
			fmt.Printf("hand to %s: %s\n", args[2+i], r.SendTo.UR())
		}
	case "status":
		if len(args) != 1 {
			usage()
		}
		g, err := a.engine.Registry.Group(mustARID(args[0]))
		if err != nil {
			fail(err)
		}
		fmt.Printf("group %s: %s, %d-of-%d, charter %q\n",
			g.GroupID.Short(), g.Status, g.MinSigners, len(g.Participants), g.Charter)
		for _, m := range g.Participants {
			fmt.Printf("  %2d %s %s %s\n", m.Identifier, m.XID.Short(), m.PetName, m.Status)
		}
	case "receive":
		if len(args) != 1 {
			usage()
		}
		inv, err := a.participant().ReceiveInvite(ctx, mustARID(args[0]))
		if err != nil {
			fail(err)
		}
		fmt.Printf("invited to %s as %d of %d (threshold %d): %q\n",
			inv.GroupID.Short(), inv.Identifier, inv.Total, inv.MinSigners, inv.Charter)
	case "accept":
		if len(args) != 1 {
			usage()
		}
		if err := a.participant().Accept(ctx, mustARID(args[0])); err != nil {
			fail(err)
		}
	case "reject":
		if len(args) != 2 {
			usage()
		}
		if err := a.participant().Reject(ctx, mustARID(args[0]), args[1]); err != nil {
			fail(err)
		}
	case "collect-round1":
		a.collectStep(func(g arid.ARID) (*collect.CollectionResult, error) {
			return a.coordinator().CollectRound1(ctx, g, cfg)
		}, args)
	case "dispatch-round2":
		if len(args) != 1 {
			usage()
		}
		if err := a.coordinator().DispatchRound2(ctx, mustARID(args[0]), opts); err != nil {
			fail(err)
		}
	case "respond-round2":
		if len(args) != 1 {
			usage()
		}
		if err := a.participant().RespondRound2(ctx, mustARID(args[0])); err != nil {
			fail(err)
		}
	case "collect-round2":
		a.collectStep(func(g arid.ARID) (*collect.CollectionResult, error) {
			return a.coordinator().CollectRound2(ctx, g, cfg)
		}, args)
	case "dispatch-finalize":
		if len(args) != 1 {
			usage()
		}
		if err := a.coordinator().DispatchFinalize(ctx, mustARID(args[0]), opts); err != nil {
			fail(err)
		}
	case "respond-finalize":
		if len(args) != 1 {
			usage()
		}
		pub, err := a.participant().RespondFinalize(ctx, mustARID(args[0]))
		if err != nil {
			fail(err)
		}
		fmt.Printf("verifying key: %x\n", pub.GroupKey.Point.Bytes())
	case "collect-finalize":
		a.collectStep(func(g arid.ARID) (*collect.CollectionResult, error) {
			return a.coordinator().CollectFinalize(ctx, g, cfg)
		}, args)
	default:
		usage()
	}
}

func (a *app) collectStep(fn func(arid.ARID) (*collect.CollectionResult, error), args []string) {
	if len(args) != 1 {
		usage()
	}
	result, err := fn(mustARID(args[0]))
	if err != nil {
		fail(err)
	}
	if missing := result.Missing(); len(missing) > 0 {
		fmt.Println("incomplete:", missing)
	}
}

func (a *app) runSign(ctx context.Context, cmd string, args []string, opts signing.Options, cfg collect.Config) {
	c := a.signCoordinator()
	s := a.signer()
	switch cmd {
	case "start":
		if len(args) < 3 {
			usage()
		}
		target := envelope.NewString(args[1])
		res, err := c.Start(ctx, mustARID(args[0]), target, args[2:], opts)
		if err != nil {
			fail(err)
		}
		fmt.Println("session:", res.SessionID.UR())
		for i, r := range res.Routes {
			fmt.Printf("hand to %s: %s\n", args[2+i], r.SendTo.UR())
		}
	case "receive":
		if len(args) != 1 {
			usage()
		}
		inv, err := s.Receive(ctx, mustARID(args[0]))
		if err != nil {
			fail(err)
		}
		fmt.Printf("session %s on group %s: sign %q as %d (%d signers, threshold %d)\n",
			inv.SessionID.Short(), inv.GroupID.Short(), inv.Subject, inv.Identifier, inv.Signers, inv.MinSigners)
	case "commit":
		if len(args) != 2 {
			usage()
		}
		if err := s.Commit(ctx, mustARID(args[0]), mustARID(args[1])); err != nil {
			fail(err)
		}
	case "decline":
		if len(args) != 3 {
			usage()
		}
		if err := s.Decline(ctx, mustARID(args[0]), mustARID(args[1]), args[2]); err != nil {
			fail(err)
		}
	case "collect-commit":
		if len(args) != 2 {
			usage()
		}
		if _, err := c.CollectCommitments(ctx, mustARID(args[0]), mustARID(args[1]), cfg); err != nil {
			fail(err)
		}
	case "dispatch-share":
		if len(args) != 2 {
			usage()
		}
		if err := c.DispatchShare(ctx, mustARID(args[0]), mustARID(args[1]), opts); err != nil {
			fail(err)
		}
	case "share":
		if len(args) != 2 {
			usage()
		}
		if err := s.Share(ctx, mustARID(args[0]), mustARID(args[1])); err != nil {
			fail(err)
		}
	case "finalize":
		if len(args) != 2 {
			usage()
		}
		res, err := c.Finalize(ctx, mustARID(args[0]), mustARID(args[1]), opts)
		if err != nil {
			fail(err)
		}
		fmt.Printf("signature: %x\n", res.Signature)
		fmt.Println(res.SignedEnvelope.UR())
	case "attach":
		if len(args) != 2 {
			usage()
		}
		signed, err := s.Attach(ctx, mustARID(args[0]), mustARID(args[1]))
		if err != nil {
			fail(err)
		}
		fmt.Println(signed.UR())
	default:
		usage()
	}
}
