package normalize

import "github.com/opensource-compliance/kestrel/internal/domain"

// Canonical field names used by the alias tables.
const (
	fieldRecordID    = "record_id"
	fieldAmount      = "amount"
	fieldDate        = "date"
	fieldSender      = "sender"
	fieldReceiver    = "receiver"
	fieldKYCStatus   = "kyc_status"
	fieldDescription = "description"
	fieldMode        = "mode"
)

// aliasTable maps a canonical field to an ordered list of known column
// spellings. Lookup is case-insensitive and the first present alias
// wins, so more specific spellings come first.
type aliasTable map[string][]string

var transactionAliases = aliasTable{
	fieldRecordID: {
		"transaction id", "transaction_id", "txnid", "transactionid", "txn id", "reference_number",
	},
	fieldAmount: {
		"amount", "txn_amount", "transaction amount", "amt",
	},
	fieldDate: {
		"date", "transaction_date", "transaction date", "txn_date", "value_date", "value date",
	},
	fieldSender: {
		"sender account", "sender_account", "from account", "from_account",
		"sender name", "sender_name", "sender", "from",
	},
	fieldReceiver: {
		"receiver account", "receiver_account", "to account", "to_account",
		"receiver name", "receiver_name", "receiver", "to",
	},
	fieldKYCStatus: {
		"sender_kyc_status", "sender kyc status", "kyc status", "kyc_status", "kyc verified", "kyc",
	},
	fieldDescription: {
		"description", "desc", "details", "transaction details",
	},
	fieldMode: {
		"transaction mode", "transaction_mode", "mode", "channel",
	},
}

var kycAliases = aliasTable{
	fieldRecordID: {
		"customer id", "customer_id", "cust_id", "client_id",
		"account no", "account no.", "account number", "account_number", "account", "acct_no",
	},
	fieldSender: {
		"account no", "account no.", "account number", "account_number", "account", "acct_no",
		"customer id", "customer_id",
	},
	fieldKYCStatus: {
		"kyc verified", "kyc_verified", "kyc status", "kyc_status", "status", "customer_status", "kyc",
	},
	fieldDate: {
		"date", "verification date", "verification_date", "last_updated",
	},
	fieldDescription: {
		"customer violation", "violation type", "violation_type", "violation",
		"rule invoked", "rule_invoked", "remarks", "notes",
	},
}

func aliasesFor(kind domain.RecordKind) aliasTable {
	if kind == domain.KindKYCProfile {
		return kycAliases
	}
	return transactionAliases
}

// Flag-bearing boolean columns checked verbatim (after lowercasing).
var flagColumns = map[string]string{
	"complaint_filed":    domain.FlagComplaintFiled,
	"complaint filed":    domain.FlagComplaintFiled,
	"digital_lending":    domain.FlagDigitalLending,
	"digital lending":    domain.FlagDigitalLending,
	"suspicious_pattern": domain.FlagSuspiciousPattern,
	"suspicious pattern": domain.FlagSuspiciousPattern,
}

// Description terms that imply customer flags. Mirrors the keyword
// screens used by the upstream monitoring rules.
var complaintTerms = []string{
	"unauthorized", "disputed", "unfair", "complaint", "grievance",
}

var lendingTerms = []string{
	"fintech", "lending app", "lsp", "digital lending", "digital_lending",
}

var suspiciousTerms = []string{
	"suspicious", "fraud", "cyber", "hack",
	"gambling", "casino", "lottery", "crypto", "bitcoin",
	"forex", "offshore", "anonymous", "prepaid card", "gift card",
}
