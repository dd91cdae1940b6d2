// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package firewall

import (
	"context"
	"net"
	"os"
	"sync"

	stderrors "errors"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/logging"
)

const (
	setBlockedV4 = "blocked_v4"
	setBlockedV6 = "blocked_v6"
	chainName    = "warden_drop"
)

// NFTables blocks addresses through a dedicated inet table. The table holds
// one address set per family and drop rules on the input and forward hooks,
// so the managed state never touches rulesets owned by anyone else.
type NFTables struct {
	cfg    *config.FirewallConfig
	logger *logging.Logger

	mu    sync.Mutex
	table *nftables.Table
	v4    *nftables.Set
	v6    *nftables.Set
}

func newNFTables(cfg *config.FirewallConfig) (*NFTables, error) {
	return &NFTables{
		cfg:    cfg,
		logger: logging.WithComponent("firewall"),
	}, nil
}

func (n *NFTables) Backend() string { return "nftables" }

// Setup rebuilds the managed table from scratch. Set contents are lost; the
// caller reconciles them from the blacklist right after.
func (n *NFTables) Setup(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.call(ctx, "setup", func(conn *nftables.Conn) error {
		// Drop any previous incarnation so a config change (table rename,
		// leftover rules) cannot accumulate.
		for _, t := range listTables(conn) {
			if t.Name == n.cfg.Table && t.Family == nftables.TableFamilyINet {
				conn.DelTable(t)
			}
		}

		table := conn.AddTable(&nftables.Table{
			Family: nftables.TableFamilyINet,
			Name:   n.cfg.Table,
		})

		v4 := &nftables.Set{Table: table, Name: setBlockedV4, KeyType: nftables.TypeIPAddr}
		v6 := &nftables.Set{Table: table, Name: setBlockedV6, KeyType: nftables.TypeIP6Addr}
		if err := conn.AddSet(v4, nil); err != nil {
			return err
		}
		if err := conn.AddSet(v6, nil); err != nil {
			return err
		}

		for _, hook := range []*nftables.ChainHook{nftables.ChainHookInput, nftables.ChainHookForward} {
			chain := conn.AddChain(&nftables.Chain{
				Name:     chainName + hookSuffix(hook),
				Table:    table,
				Type:     nftables.ChainTypeFilter,
				Hooknum:  hook,
				Priority: nftables.ChainPriorityFilter,
			})
			conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: dropExprs(unix.NFPROTO_IPV4, 12, 4, v4)})
			conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: dropExprs(unix.NFPROTO_IPV6, 8, 16, v6)})
		}

		if err := conn.Flush(); err != nil {
			return err
		}

		n.table = table
		n.v4 = v4
		n.v6 = v6
		n.logger.Info("Firewall table established", "table", n.cfg.Table, "backend", "nftables")
		return nil
	})
}

// dropExprs matches the source address of the given family against the set
// and drops on hit.
func dropExprs(family byte, offset, length uint32, set *nftables.Set) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{family}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: length},
		&expr.Lookup{SourceRegister: 1, SetName: set.Name, SetID: set.ID},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

func hookSuffix(hook *nftables.ChainHook) string {
	if hook == nftables.ChainHookForward {
		return "_fwd"
	}
	return "_in"
}

// EnsureBlocked adds the address to the family set. Already present is fine.
func (n *NFTables) EnsureBlocked(ctx context.Context, address string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	set, key, err := n.element(address)
	if err != nil {
		return err
	}
	err = n.call(ctx, "block "+address, func(conn *nftables.Conn) error {
		if err := conn.SetAddElements(set, []nftables.SetElement{{Key: key}}); err != nil {
			return err
		}
		return conn.Flush()
	})
	if err != nil && stderrors.Is(err, os.ErrExist) {
		return nil
	}
	return err
}

// EnsureUnblocked removes the address from the family set. Absent is fine.
func (n *NFTables) EnsureUnblocked(ctx context.Context, address string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	set, key, err := n.element(address)
	if err != nil {
		return err
	}
	err = n.call(ctx, "unblock "+address, func(conn *nftables.Conn) error {
		if err := conn.SetDeleteElements(set, []nftables.SetElement{{Key: key}}); err != nil {
			return err
		}
		return conn.Flush()
	})
	if err != nil && stderrors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// element maps an address string onto its set and netlink key.
func (n *NFTables) element(address string) (*nftables.Set, []byte, error) {
	if n.table == nil {
		return nil, nil, errors.New(errors.KindFirewallCall, "firewall table not established; Setup must run first")
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, nil, errors.Errorf(errors.KindValidation, "not an IP address: %q", address)
	}
	if v4 := ip.To4(); v4 != nil {
		return n.v4, v4, nil
	}
	return n.v6, ip.To16(), nil
}

// call runs one netlink operation on a fresh connection, bounded by the
// configured call timeout. A hung netlink socket must not stall the
// enforcement loop.
func (n *NFTables) call(ctx context.Context, op string, fn func(*nftables.Conn) error) error {
	if n.cfg.ParsedCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.ParsedCallTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		conn, err := nftables.New()
		if err != nil {
			done <- err
			return
		}
		defer conn.CloseLasting()
		done <- fn(conn)
	}()

	select {
	case err := <-done:
		if err != nil && !stderrors.Is(err, os.ErrExist) && !stderrors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, errors.KindFirewallCall, "nftables %s failed", op)
		}
		return err
	case <-ctx.Done():
		return errors.Errorf(errors.KindTimeout, "nftables %s timed out", op)
	}
}

func listTables(conn *nftables.Conn) []*nftables.Table {
	tables, err := conn.ListTables()
	if err != nil {
		return nil
	}
	return tables
}
