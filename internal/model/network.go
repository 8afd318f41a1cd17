package model

// Network はFlowネットワーク名。
type Network string

const (
	NetworkTestnet Network = "testnet"
	NetworkMainnet Network = "mainnet"
)

// ContractAddresses はネットワークごとのコアコントラクトのアドレス表。
var ContractAddresses = map[Network]map[string]string{
	NetworkTestnet: {
		"FlowToken":        "0x7e60df042a9c0868",
		"FungibleToken":    "0x9a0766d93b6608b7",
		"NonFungibleToken": "0x631e88ae7f1d7c20",
		"MetadataViews":    "0x631e88ae7f1d7c20",
	},
	NetworkMainnet: {
		"FlowToken":        "0x1654653399040a61",
		"FungibleToken":    "0xf233dcee88fe0abe",
		"NonFungibleToken": "0x1d7e57aa55817448",
		"MetadataViews":    "0x1d7e57aa55817448",
	},
}

// Contracts は指定ネットワークのコントラクトアドレスを返す。
// 未知のネットワークの場合はtestnetの表を返す。
func Contracts(network Network) map[string]string {
	if c, ok := ContractAddresses[network]; ok {
		return c
	}
	return ContractAddresses[NetworkTestnet]
}
