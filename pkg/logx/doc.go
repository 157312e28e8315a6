// Package logx is rubaz's logging front end over zerolog.
//
// Every component receives a Logger (usually tagged with comp=<name>) and
// logs dotted event names such as "task.failed" or "account.stopped".
// Output goes to a readable console, an optional JSON file, and an optional
// operator Telegram chat that only sees warnings and errors. The sink set is
// rebuilt by Service.Apply on every config reload; Loggers derived from the
// Service follow the swap without being recreated.
package logx
