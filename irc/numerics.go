package irc

// Numeric reply codes (RFC 1459/2812 subset actually sent by this server)
const (
	RPL_WELCOME  = 1
	RPL_YOURHOST = 2

	RPL_AWAY     = 301 // reused for "contact is offline" notices
	RPL_ENDOFWHO = 315
	RPL_NOTOPIC  = 331
	RPL_TOPIC    = 332
	RPL_WHOREPLY = 352

	RPL_NAMREPLY   = 353
	RPL_ENDOFNAMES = 366

	ERR_NOSUCHCHANNEL    = 403
	ERR_ERRONEUSNICKNAME = 432
	ERR_NICKNAMEINUSE    = 433
	ERR_NOTREGISTERED    = 451
	ERR_NEEDMOREPARAMS   = 461
	ERR_PASSWDMISMATCH   = 464
)
