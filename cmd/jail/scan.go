package main

import (
	"fmt"
	"strconv"
	"strings"

	"go.linkdata.se/jail/jail"
	"go.linkdata.se/jail/jailconf"
)

// scanner turns the raw argument stream into configuration settings and
// the ordered step list.  Option flags take effect as they are seen;
// command flags enqueue steps in lexical order.  --defaults and --etc
// splice their step text into the stream at the point they appear, so
// the sequencer never knows they existed.
type scanner struct {
	cfg *jailconf.Config
	eng *jail.Engine

	help         bool
	haveUser     bool
	defaultsDone bool
	etcDone      bool
	try          bool
	steps        []jail.Step
}

func (s *scanner) run(args []string) ([]jail.Step, error) {
	tokens := splitShort(args)
	for i := 0; i < len(tokens); {
		tok := tokens[i]
		i++

		if tok == "--" || tok == "--execute" {
			s.queue(jail.ExecuteOp{Args: tokens[i:]})
			return s.steps, nil
		}
		if !strings.HasPrefix(tok, "-") || tok == "-" {
			if s.haveUser {
				return nil, fmt.Errorf("%w: unexpected argument %q", jailconf.ErrConfig, tok)
			}
			if err := s.cfg.SetNameSpec(tok); err != nil {
				return nil, err
			}
			s.haveUser = true
			continue
		}

		switch tok {
		case "-v", "--verbose":
			s.cfg.Verbose = true
		case "-t", "--test":
			s.cfg.Test = true
		case "-h", "--help":
			s.help = true
		case "--dns":
			s.cfg.DNS = true
		case "--lazy":
			s.cfg.Lazy = true
		case "--passwd":
			s.cfg.Passwd = true
		case "-d", "--defaults":
			if !s.defaultsDone {
				s.defaultsDone = true
				s.cfg.Defaults = true
				tokens = splice(tokens, i, s.cfg.DefaultsText)
			}
		case "--etc":
			if !s.etcDone {
				s.etcDone = true
				s.cfg.Etc = true
				tokens = splice(tokens, i, s.cfg.EtcText)
			}

		case "--umask":
			value, err := s.take(tok, tokens, &i, 1, 1)
			if err != nil {
				return nil, err
			}
			mask, err := strconv.ParseUint(value[0], 8, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: bad umask %q", jailconf.ErrConfig, value[0])
			}
			s.cfg.ExecUmask = int(mask)
		case "--chdir":
			value, err := s.take(tok, tokens, &i, 1, 1)
			if err != nil {
				return nil, err
			}
			s.cfg.ExecChdir = value[0]
		case "--chuid":
			value, err := s.take(tok, tokens, &i, 1, 1)
			if err != nil {
				return nil, err
			}
			s.cfg.ExecChuid = value[0]
		case "--validname":
			value, err := s.take(tok, tokens, &i, 1, 1)
			if err != nil {
				return nil, err
			}
			if err := s.cfg.SetValidName(value[0]); err != nil {
				return nil, err
			}
		case "--writepath":
			value, err := s.take(tok, tokens, &i, 1, 1)
			if err != nil {
				return nil, err
			}
			if err := s.cfg.SetWritePath(value[0]); err != nil {
				return nil, err
			}
		case "--bind":
			value, err := s.take(tok, tokens, &i, 1, 3)
			if err != nil {
				return nil, err
			}
			source, options, path := value[0], "", ""
			if len(value) > 1 {
				options = value[1]
			}
			if len(value) > 2 {
				path = value[2]
			}
			s.eng.AddBind(source, options, path)
		case "--ldconfig-cmd":
			value, err := s.take(tok, tokens, &i, 1, 1)
			if err != nil {
				return nil, err
			}
			s.eng.Resolver.ConfigCmd = value[0]
		case "--ldconfig-rx":
			value, err := s.take(tok, tokens, &i, 1, 1)
			if err != nil {
				return nil, err
			}
			s.eng.Resolver.ConfigRx = value[0]
		case "--ldlist-cmd":
			value, err := s.take(tok, tokens, &i, 1, 1)
			if err != nil {
				return nil, err
			}
			s.eng.Resolver.ListCmd = value[0]
		case "--ldlist-rx":
			value, err := s.take(tok, tokens, &i, 1, 1)
			if err != nil {
				return nil, err
			}
			s.eng.Resolver.ListRx = value[0]

		case "--try":
			s.try = true
		case "--print":
			value, err := s.take(tok, tokens, &i, 0, 1)
			if err != nil {
				return nil, err
			}
			op := jail.PrintOp{}
			if len(value) == 1 {
				op.Format, op.HasFormat = value[0], true
			}
			s.queue(op)
		case "--mount":
			s.queue(jail.MountOp{})
		case "--umount":
			s.queue(jail.UmountOp{})
		case "--clean":
			s.queue(jail.CleanOp{})
		case "--remove":
			s.queue(jail.RemoveOp{})
		case "--dev":
			s.queue(jail.DevOp{})
		case "--tmp":
			s.queue(jail.TmpOp{})
		case "--add":
			value, err := s.take(tok, tokens, &i, 1, -1)
			if err != nil {
				return nil, err
			}
			s.queue(jail.AddOp{Paths: value})
		case "--add-from":
			value, err := s.take(tok, tokens, &i, 2, -1)
			if err != nil {
				return nil, err
			}
			s.queue(jail.AddFromOp{Dir: value[0], Files: value[1:]})
		case "--add-recurse":
			quick := s.quick(tokens, &i)
			value, err := s.take(tok, tokens, &i, 1, -1)
			if err != nil {
				return nil, err
			}
			s.queue(jail.AddRecurseOp{Quick: quick, Paths: value})
		case "--clone":
			value, err := s.take(tok, tokens, &i, 2, 2)
			if err != nil {
				return nil, err
			}
			s.queue(jail.CloneOp{Src: value[0], Dst: value[1]})
		case "--clone-recurse":
			quick := s.quick(tokens, &i)
			value, err := s.take(tok, tokens, &i, 2, 2)
			if err != nil {
				return nil, err
			}
			s.queue(jail.CloneRecurseOp{Quick: quick, Src: value[0], Dst: value[1]})
		case "--clone-from":
			value, err := s.take(tok, tokens, &i, 2, -1)
			if err != nil {
				return nil, err
			}
			s.queue(jail.CloneFromOp{Src: value[0], Dst: value[1], Files: value[2:]})
		case "--mkdir":
			value, err := s.take(tok, tokens, &i, 1, 4)
			if err != nil {
				return nil, err
			}
			op := jail.MkdirOp{Path: value[0]}
			if len(value) > 1 {
				op.Mode = value[1]
			}
			if len(value) > 2 {
				op.Owner = joinOwner(value[2:])
			}
			s.queue(op)
		case "--mknod":
			value, err := s.take(tok, tokens, &i, 3, 4)
			if err != nil {
				return nil, err
			}
			op := jail.MknodOp{Path: value[0], Type: value[1], Major: value[2]}
			if len(value) > 3 {
				op.Minor = value[3]
			}
			s.queue(op)
		case "--ln-s":
			value, err := s.take(tok, tokens, &i, 2, 2)
			if err != nil {
				return nil, err
			}
			s.queue(jail.SymlinkOp{Target: value[0], Link: value[1]})
		case "--chflags":
			value, err := s.take(tok, tokens, &i, 2, 2)
			if err != nil {
				return nil, err
			}
			s.queue(jail.ChflagsOp{Path: value[0], Flags: value[1]})
		case "--chmod":
			value, err := s.take(tok, tokens, &i, 2, 2)
			if err != nil {
				return nil, err
			}
			s.queue(jail.ChmodOp{Path: value[0], Mode: value[1]})
		case "--chown":
			value, err := s.take(tok, tokens, &i, 2, 3)
			if err != nil {
				return nil, err
			}
			s.queue(jail.ChownOp{Path: value[0], Owner: joinOwner(value[1:])})
		case "--touch":
			value, err := s.take(tok, tokens, &i, 1, 2)
			if err != nil {
				return nil, err
			}
			op := jail.TouchOp{Path: value[0]}
			if len(value) > 1 {
				op.Stamp = value[1]
			}
			s.queue(op)
		case "--rm":
			value, err := s.take(tok, tokens, &i, 1, 1)
			if err != nil {
				return nil, err
			}
			s.queue(jail.RmOp{Path: value[0]})
		case "--rmdir":
			value, err := s.take(tok, tokens, &i, 1, 1)
			if err != nil {
				return nil, err
			}
			s.queue(jail.RmdirOp{Path: value[0]})

		default:
			return nil, fmt.Errorf("%w: unknown flag %q", jailconf.ErrConfig, tok)
		}
	}
	return s.steps, nil
}

// queue enqueues a step, consuming a pending --try.
func (s *scanner) queue(op jail.Op) {
	s.steps = append(s.steps, jail.Step{Try: s.try, Op: op})
	s.try = false
}

// take collects between min and max positional arguments for flag, where
// max of -1 means unbounded.  Collection stops at the next flag token.
func (s *scanner) take(flag string, tokens []string, i *int, min, max int) ([]string, error) {
	var value []string
	for *i < len(tokens) && (max < 0 || len(value) < max) {
		tok := tokens[*i]
		if len(tok) > 1 && strings.HasPrefix(tok, "-") {
			break
		}
		value = append(value, tok)
		*i++
	}
	if len(value) < min {
		return nil, fmt.Errorf("%w: %s: expected at least %d argument(s)", jailconf.ErrConfig, flag, min)
	}
	return value, nil
}

// quick consumes a --quick modifier token if present.
func (s *scanner) quick(tokens []string, i *int) bool {
	if *i < len(tokens) && tokens[*i] == "--quick" {
		*i++
		return true
	}
	return false
}

// splitShort expands combined short flags, -dt into -d -t.
func splitShort(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' {
			for _, c := range arg[1:] {
				out = append(out, "-"+string(c))
			}
			continue
		}
		out = append(out, arg)
	}
	return out
}

// splice inserts the fields of text into tokens at position i.
func splice(tokens []string, i int, text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(tokens)+len(fields))
	out = append(out, tokens[:i]...)
	out = append(out, fields...)
	out = append(out, tokens[i:]...)
	return out
}

// joinOwner joins separate user and group positionals into user:group.
func joinOwner(parts []string) string {
	return strings.Join(parts, ":")
}
