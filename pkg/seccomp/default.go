package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Group is a named set of syscalls allowed together.
type Group struct {
	Name     string
	Syscalls []string
}

var (
	FileIO = Group{"file_io", []string{
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "openat2", "close", "close_range", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx", "statfs", "fstatfs",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3", "fcntl", "ioctl", "flock",
		"pipe", "pipe2", "poll", "ppoll", "select", "pselect6",
		"readlink", "readlinkat", "getdents64", "getcwd", "chdir", "fchdir",
		"rename", "renameat", "renameat2", "unlink", "unlinkat",
		"mkdir", "mkdirat", "rmdir", "symlink", "symlinkat", "link", "linkat",
		"chmod", "fchmod", "fchmodat", "chown", "fchown", "fchownat", "lchown",
		"utimensat", "umask", "truncate", "ftruncate", "fallocate",
		"fsync", "fdatasync", "sync_file_range", "copy_file_range", "sendfile",
		"memfd_create", "fadvise64", "utime", "utimes", "futimesat",
		"getxattr", "lgetxattr", "fgetxattr", "setxattr", "lsetxattr", "fsetxattr",
		"listxattr", "llistxattr", "flistxattr", "removexattr", "fremovexattr",
		"sync", "syncfs",
	}}

	Memory = Group{"memory", []string{
		"brk", "mmap", "munmap", "mprotect", "mremap", "madvise", "mincore",
		"membarrier",
	}}

	Process = Group{"process", []string{
		"execve", "execveat", "exit", "exit_group", "wait4", "waitid",
		"clone", "clone3", "fork", "vfork", "set_tid_address",
		"set_robust_list", "get_robust_list", "rseq",
		"getpid", "getppid", "gettid", "getpgrp", "getpgid", "setpgid", "setsid", "getsid",
		"getuid", "geteuid", "getgid", "getegid", "getgroups", "getresuid", "getresgid",
		"getrlimit", "setrlimit", "prlimit64", "getrusage", "times",
		"getpriority", "setpriority", "sched_yield", "sched_getaffinity", "sched_setaffinity",
		"arch_prctl", "prctl", "uname", "sysinfo", "getrandom", "pidfd_open",
		"sched_getparam", "sched_getscheduler",
	}}

	// Identity lets package managers drop to their own service users. It is
	// only useful together with the SETUID and SETGID capabilities.
	Identity = Group{"identity", []string{
		"setuid", "setgid", "setgroups", "setresuid", "setresgid",
		"setreuid", "setregid", "setfsuid", "setfsgid", "capget", "capset",
	}}

	Signals = Group{"signals", []string{
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend", "rt_sigtimedwait",
		"sigaltstack", "kill", "tkill", "tgkill", "pause", "alarm",
		"setitimer", "getitimer", "futex",
	}}

	Time = Group{"time", []string{
		"clock_gettime", "clock_getres", "gettimeofday", "time",
		"nanosleep", "clock_nanosleep",
		"timerfd_create", "timerfd_settime", "timerfd_gettime",
	}}

	Events = Group{"events", []string{
		"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "epoll_pwait2",
		"eventfd", "eventfd2", "inotify_init1", "inotify_add_watch", "inotify_rm_watch",
	}}

	// Network covers outbound package downloads and the preview server.
	Network = Group{"network", []string{
		"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
		"getsockopt", "setsockopt", "getsockname", "getpeername", "shutdown",
	}}
)

// trapped syscalls are never legitimate for user programs or toolchains.
var trapped = []string{
	"ptrace", "process_vm_readv", "process_vm_writev",
	"keyctl", "add_key", "request_key",
	"bpf", "perf_event_open", "userfaultfd",
	"kexec_load", "kexec_file_load",
	"finit_module", "init_module", "delete_module",
}

var denied = []string{
	"mount", "umount2", "pivot_root", "reboot", "swapon", "swapoff",
	"sethostname", "setdomainname", "setns", "unshare", "acct",
	"settimeofday", "adjtimex", "clock_adjtime",
	"personality", "lookup_dcookie", "ioperm", "iopl",
}

func base() *Builder {
	return NewBuilder().
		AllowGroup(FileIO).
		AllowGroup(Memory).
		AllowGroup(Process).
		AllowGroup(Signals).
		AllowGroup(Time).
		AllowGroup(Events).
		AllowGroup(Identity)
}

// DefaultProfile runs interpreters and compilers with no network access.
func DefaultProfile() *specs.LinuxSeccomp {
	return base().Trap(trapped...).Deny(denied...).Build()
}

// NetworkProfile additionally allows sockets so package managers can
// download and the preview server can listen.
func NetworkProfile() *specs.LinuxSeccomp {
	return base().AllowGroup(Network).Trap(trapped...).Deny(denied...).Build()
}
