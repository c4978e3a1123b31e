package syscalls

// Linux x86_64 syscall numbers, the dense prefix the teacher's own
// channel-command switch (emu/sys_channel/channel.go) models with a
// similar flat numeric dispatch (SPEC_FULL.md §6.8). Apart from
// sysSysinfo and sysGetpriority, only the numbers this table actually
// wires a handler for are listed; every number without a handler
// (including those two) falls through Table.Invoke's default to -ENOSYS.
const (
	sysRead                = 0
	sysWrite               = 1
	sysOpen                = 2
	sysClose               = 3
	sysStat                = 4
	sysFstat               = 5
	sysLstat               = 6
	sysPoll                = 7
	sysLseek               = 8
	sysMmap                = 9
	sysMprotect            = 10
	sysMunmap              = 11
	sysBrk                 = 12
	sysRtSigaction         = 13
	sysRtSigprocmask       = 14
	sysRtSigreturn         = 15
	sysIoctl               = 16
	sysPread64             = 17
	sysPwrite64            = 18
	sysReadv               = 19
	sysWritev              = 20
	sysAccess              = 21
	sysPipe                = 22
	sysSelect              = 23
	sysSchedYield          = 24
	sysDup                 = 32
	sysDup2                = 33
	sysPause               = 34
	sysNanosleep           = 35
	sysAlarm               = 37
	sysGetpid              = 39
	sysSendto              = 44
	sysRecvfrom            = 45
	sysSocket              = 41
	sysConnect             = 42
	sysAccept              = 43
	sysBind                = 49
	sysListen              = 50
	sysGetsockname         = 51
	sysGetpeername         = 52
	sysSocketpair          = 53
	sysSetsockopt          = 54
	sysClone               = 56
	sysFork                = 57
	sysVfork               = 58
	sysExecve              = 59
	sysExit                = 60
	sysWait4               = 61
	sysKill                = 62
	sysFcntl               = 72
	sysFlock               = 73
	sysFsync               = 74
	sysFdatasync           = 75
	sysTruncate            = 76
	sysFtruncate           = 77
	sysCreat               = 85
	sysGetcwd              = 79
	sysChdir               = 80
	sysFchdir              = 81
	sysRename              = 82
	sysMkdir               = 83
	sysRmdir               = 84
	sysLink                = 86
	sysUnlink              = 87
	sysSymlink             = 88
	sysReadlink            = 89
	sysChmod               = 90
	sysFchmod              = 91
	sysChown               = 92
	sysFchown              = 93
	sysLchown              = 94
	sysUmask               = 95
	sysGettimeofday        = 96
	sysGetrlimit           = 97
	sysGetrusage            = 98
	sysSysinfo             = 99
	sysGetuid              = 102
	sysGetgid              = 104
	sysSetuid              = 105
	sysSetgid              = 106
	sysGeteuid             = 107
	sysGetegid             = 108
	sysSetpgid             = 109
	sysGetppid             = 110
	sysGetpgrp             = 111
	sysSetsid              = 112
	sysGetpgid             = 121
	sysRtSigsuspend        = 130
	sysSigaltstack         = 131
	sysMknod               = 133
	sysStatfs              = 137
	sysFstatfs             = 138
	sysGettid              = 186
	sysUtimes              = 235
	sysArchPrctl           = 158
	sysSetRlimit           = 160
	sysGetpriority         = 140
	sysSetitimer           = 38
	sysGetitimer           = 36
	sysMadvise             = 28
	sysMsync               = 26
	sysShutdown            = 48
	sysGetdents64          = 217
	sysSetTidAddress       = 218
	sysClockGettime        = 228
	sysClockGetres         = 229
	sysClockNanosleep      = 230
	sysExitGroup           = 231
	sysTkill               = 200
	sysFutex               = 202
	sysOpenat              = 257
	sysMkdirat             = 258
	sysFstatat             = 262
	sysUnlinkat            = 263
	sysRenameat            = 264
	sysLinkat              = 265
	sysSymlinkat           = 266
	sysReadlinkat          = 267
	sysFchmodat            = 268
	sysFaccessat           = 269
	sysPselect6            = 270
	sysPpoll               = 271
	sysUtimensat           = 280
	sysAccept4             = 288
	sysDup3                = 292
	sysPipe2               = 293
	sysPrlimit64           = 302
	sysRenameat2           = 316
	sysGetrandom           = 318
	sysCloseRange          = 436
)
