package codes

// Code represents an iRODS error code as returned inside the intInfo field of
// a message header. Negative values indicate an error condition; zero or a
// positive value indicates success. Positive values carry additional meaning
// for some operations, such as a live continuation index on a query reply.
type Code int32

// https://github.com/irods/irods/blob/main/lib/core/include/irods/rodsErrorTable.h
var (
	// Section: system errors
	SysSockOpenErr       Code = -1000
	SysHeaderReadLenErr  Code = -4000
	SysHeaderWriteLenErr Code = -5000
	SysHeaderTypeLenErr  Code = -6000
	SysSockReadTimedout  Code = -11000
	SysSockReadErr       Code = -12000
	SysInvalidServerHost Code = -24000
	SysBadFormat         Code = -46000
	SysInvalidInputParam Code = -130000
	SysNotSupported      Code = -160000
	SysSslCertError      Code = -2104000
	SysSslHandshakeError Code = -2105000
	SysSslNotNegotiated  Code = -2106000

	// Section: user input errors
	UserSockConnectErr        Code = -305000
	UserAuthSchemeErr         Code = -303000
	UserInvalidUsernameFormat Code = -317000
	UserSockConnectTimedout   Code = -347000

	// Section: catalog errors
	CatNoRowsFound           Code = -808000
	CatInvalidAuthentication Code = -826000
	CatInvalidUser           Code = -827000
	CatPasswordExpired       Code = -840000

	// Section: message encoding
	XMLParserError Code = -1100000

	// Section: client-server negotiation
	ClientNegotiationErr Code = -4002000

	// Section: PAM
	PamAuthError          Code = -993000
	PamAuthPasswordFailed Code = -994000
)

// Success indicates that the given code does not represent an error condition.
func (c Code) Success() bool {
	return c >= 0
}
