/*
Package log provides the global zerolog logger for Drydock.

Init configures level, output format, and optional redaction. When redaction
is enabled (the default, via DEBUG_REDACTED_MODE), every line is filtered so
that API keys, tokens, passwords, and IPv4 addresses never reach the log
sink. Components take child loggers via WithComponent and the
WithRunID/WithJobID/WithHostID helpers.
*/
package log
