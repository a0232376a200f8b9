package main

import (
	"os"

	"github.com/spf13/cobra"

	"go.linkdata.se/jail/jail"
	"go.linkdata.se/jail/jailconf"
)

const usageLong = `Build, mount and enter chroot jails.

Option flags are recognized anywhere on the line and configure the run;
command flags are executed in the order given.

Options:
  -v, --verbose         print each action before running it
  -t, --test            print actions without running them
  -h, --help            show this text
  -d, --defaults        run the default build sequence, see --print {defaults_text}
      --etc             populate a minimal /etc, see --print {etc_text}
      --dns             add the host DNS resolution libraries to --add
      --lazy            use detach-style unmounts for --umount
      --passwd          update the jail passwd and group files
      --umask mask      process umask for --execute, default 037
      --chdir path      working directory for --execute, default /
      --chuid user[:group]  identity for --execute, default the jail account
      --validname rx    regex that jail user and group names must match
      --writepath rx    regex that host paths must match to be modified
      --bind src [opts] [path]  bind src at {jailmount}/path on --mount
      --ldconfig-cmd c  command used to locate the shared object loader
      --ldconfig-rx rx  regex applied to its output
      --ldlist-cmd c    command template listing shared object dependencies
      --ldlist-rx rx    regex applied to its output

Commands:
      --print [text]    print text with {name} properties expanded
      --try             ignore failure of the next command
      --mount           mount {jailhome} and the --bind directives
      --umount          unmount everything at or below {jailmount}
      --clean           remove everything within {jailpriv}
      --remove          unmount and remove the jail
      --dev             create a minimal /dev at {jaildev}
      --tmp             create a /tmp at {jailtmp}
      --add path ...    add files and their dependencies to the jail
      --add-from dir file ...   add files relative to dir
      --add-recurse [--quick] path ...  add recursively
      --clone src dst   copy a file, directory, device or symlink
      --clone-recurse [--quick] src dst  copy recursively
      --clone-from src dst file ...  clone named entries between trees
      --mkdir path [mode [user [group]]]  create a directory
      --mknod path c|b major [minor]  create a device node
      --ln-s target link  create a symlink
      --chflags path flags  set file flags
      --chmod path mode  set permission bits
      --chown path user [group]  set ownership
      --touch path [stamp]  set mtime, stamp as %Y%m%d%H%M.%S
      --rm path         remove a file
      --rmdir path      remove an empty directory
      --, --execute [name=value ...] program [args ...]
                        enter the jail and run program, replacing jail(1)`

func main() {
	cmd := rootCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "jail [options] user[:group] [commands ...]",
		Short:              "jail builds chroot jails and runs programs inside them",
		Long:               usageLong,
		Version:            jail.Version(),
		DisableFlagParsing: true,
		SilenceUsage:       true,
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg := jailconf.New()
		eng := jail.New(cfg)
		scan := &scanner{cfg: cfg, eng: eng}
		steps, err := scan.run(args)
		if err != nil {
			return err
		}
		if scan.help || len(args) == 0 {
			return cmd.Help()
		}
		return eng.Run(steps)
	}
	return cmd
}
