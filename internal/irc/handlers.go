package irc

// This file contains documentation for the IRC event handlers.
// The actual handler implementations are split across:
// - client.go: Connection lifecycle, PRIVMSG, CTCP and nick handlers
// - commands.go: Bot command implementations
// - events.go: DCC events relayed back to admins

/*
Handler Summary:

Connection Events:
- 376/422 (onConnect): End of MOTD / MOTD missing - bot is connected
  - Identifies to NickServ
  - Sets user mode +i

Private Messages:
- PRIVMSG (onPrivMsg): Handles private messages sent to our nick
  - Everything that is not CTCP goes to the command handler
  - Admin commands need a prior !login

CTCP (inside PRIVMSG, ircevent does not split it out):
- DCC SEND, RESUME, ACCEPT and CHAT go to the DCC controller
  - Failures are logged and reported to logged in admins
- VERSION (replyVersion): Responds with bot version information

Nick Issues:
- 432 (onNickHeld): ERR_ERRONEUSNICKNAME - Nick is held
  - Switches to alternate nick
  - Schedules RELEASE and nick change
- 433 (onNickInUse): ERR_NICKNAMEINUSE - Nick in use
  - Switches to alternate nick
  - Schedules GHOST and nick change

Admin Session:
- 601 (onWatchLogout): RPL_LOGOFF - WATCH notification
  - Auto-logs out admin if they quit/change nick

DCC Events (Publish):
- offered: tells admins about an incoming file
- socket-closed: appends to transfers.txt and reports the summary
- chat-opened/chat-line/chat-closed: relayed to the admin who owns the chat
*/
