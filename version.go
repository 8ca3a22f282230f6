package authzserver

var Version = "0.1.0"
