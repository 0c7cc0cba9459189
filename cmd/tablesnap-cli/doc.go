// Command tablesnap-cli manages a tablesnap server through its admin API
// and inspects snapshot directories offline.
//
//	tablesnap-cli --token $TOKEN save --blocking
//	tablesnap-cli status
//	tablesnap-cli snapshot verify --dir /var/lib/tablesnap-server/data/snapshots --all
package main
