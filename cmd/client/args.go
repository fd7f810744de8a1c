package main

import "time"

var args struct {
	Server            string        `arg:"-s,--server,env:CHAT_SERVER" help:"server base URL" default:"http://localhost:9090"`
	Username          string        `arg:"-u,--username,required,env:CHAT_USERNAME" help:"your username"`
	Password          string        `arg:"-p,--password,required,env:CHAT_PASSWORD" help:"your password"`
	Register          bool          `arg:"--register" help:"create the account before logging in"`
	Peer              string        `arg:"positional,required" help:"username of the person to chat with"`
	PageSize          int           `arg:"--page-size" help:"messages per history page, at most 100" default:"10"`
	ReconnectAttempts uint64        `arg:"--reconnect-attempts" help:"connection attempts before giving up" default:"50"`
	ReconnectDelay    time.Duration `arg:"--reconnect-delay" help:"delay between connection attempts" default:"2s"`
	LogFile           string        `arg:"--log-file,env:CHAT_LOG_FILE" help:"where to write logs" default:"chat-client.log"`
	LogLevel          string        `arg:"--log-level" help:"debug, info, warn or error" default:"info"`
}
