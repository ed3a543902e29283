package ca

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"
	"net/netip"
	"sort"
	"time"

	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpki"
	"github.com/cuemby/rpkid/pkg/signer"
)

// Validate checks cmd against the current state and returns the
// events it would produce. It is allowed one deliberate exception to
// the aggregate framework's "no I/O" rule: it calls into the injected
// signer, which performs cryptographic signing (possibly touching the
// key store's already-open, in-memory-cached key material) so that
// the resulting events carry the final signed bytes. It never performs
// network I/O or blocks on an external party.
func (s *State) Validate(cmd aggregate.Command, now time.Time) ([]aggregate.Event, error) {
	switch c := cmd.(type) {
	case Init:
		return s.validateInit(now)
	case InitTA:
		return s.validateInitTA(c, now)
	case AddParent:
		return s.validateAddParent(c)
	case UpdateEntitlements:
		return s.validateUpdateEntitlements(c)
	case CertificateReceived:
		return s.validateCertificateReceived(c)
	case AddChild:
		return s.validateAddChild(c)
	case Issue:
		return s.validateIssue(c, now)
	case RevokeChildCert:
		return s.validateRevokeChildCert(c, now)
	case AddRoa:
		return s.validateAddRoa(c, now)
	case RemoveRoa:
		return s.validateRemoveRoa(c, now)
	case StartKeyRoll:
		return s.validateStartKeyRoll(c, now)
	case ActivateKeyRoll:
		return s.validateActivateKeyRoll(c, now)
	case FinishKeyRoll:
		return s.validateFinishKeyRoll(c, now)
	case Republish:
		return s.validateRepublish(c, now)
	case ConfirmPublication:
		return s.validateConfirmPublication(c)
	default:
		return nil, aggregate.NewInputError("ca: unknown command %T", cmd)
	}
}

func (s *State) validateInit(now time.Time) ([]aggregate.Event, error) {
	if s.Initialized {
		return nil, aggregate.NewInputError("ca %s: already initialized", s.Handle)
	}
	ki, cert, err := s.signIdentity(now)
	if err != nil {
		return nil, err
	}
	return []aggregate.Event{CAInitialized{IDKeyKI: ki.String(), IDCertDER: cert.Raw}}, nil
}

func (s *State) validateInitTA(c InitTA, now time.Time) ([]aggregate.Event, error) {
	if s.Initialized {
		return nil, aggregate.NewInputError("ca %s: already initialized", s.Handle)
	}
	set := c.Resources
	set.Canonicalize()
	if set.IsEmpty() {
		return nil, aggregate.NewInputError("ca %s: trust anchor requires at least one resource", s.Handle)
	}
	validFor := c.ValidFor
	if validFor == 0 {
		validFor = DefaultValidFor
	}

	idKI, idCert, err := s.signIdentity(now)
	if err != nil {
		return nil, err
	}

	const class = "default"
	classKI, err := s.deps.Signer.GenerateClassKey()
	if err != nil {
		return nil, aggregate.NewCryptoError("generate trust anchor class key: %v", err)
	}
	notAfter := now.Add(validFor)
	classCert, err := s.deps.Signer.SelfSignedTA(classKI, s.Handle, set, now, notAfter)
	if err != nil {
		return nil, aggregate.NewCryptoError("self-certify trust anchor class key: %v", err)
	}
	sia := s.siaFor(class, classKI)

	mftValidFor := DefaultMFTCRLValidity
	thisUpdate, nextUpdate := now, now.Add(mftValidFor)
	crlDER, err := s.deps.Signer.SignCRL(classKI, classCert, 1, thisUpdate, nextUpdate, nil)
	if err != nil {
		return nil, aggregate.NewCryptoError("sign initial CRL: %v", err)
	}
	entries := []rpki.ManifestFileEntry{{Name: classKI.String() + ".crl", Hash: sha256.Sum256(crlDER)}}
	mft, err := s.deps.Signer.SignManifest(classKI, classCert, sia, 1, thisUpdate, nextUpdate, entries, now)
	if err != nil {
		return nil, aggregate.NewCryptoError("sign initial manifest: %v", err)
	}

	return []aggregate.Event{
		CAInitialized{IDKeyKI: idKI.String(), IDCertDER: idCert.Raw, IsTrustAnchor: true},
		EntitlementsUpdated{Class: class, Entitlements: set},
		ClassKeyGenerated{Class: class, KI: classKI.String()},
		CertificateInstalled{Class: class, KI: classKI.String(), CertDER: classCert.Raw, SIARepository: sia.Repository, SIAManifest: sia.Manifest, PromoteToActive: true},
		Republished{
			Class: class, KI: classKI.String(), ManifestNumber: 1, CRLNumber: 1,
			ThisUpdate: thisUpdate, NextUpdate: nextUpdate,
			ManifestDER: mft.Signed.DER, ManifestEECert: mft.EECert.Raw, CRLDER: crlDER,
		},
		s.intentEvent(class, now),
	}, nil
}

func (s *State) signIdentity(now time.Time) (resources.KI, *x509.Certificate, error) {
	ki, err := s.deps.Signer.GenerateClassKey()
	if err != nil {
		return resources.KI{}, nil, aggregate.NewCryptoError("generate identity key: %v", err)
	}
	cert, err := s.deps.Signer.SelfSignedTA(ki, s.Handle, resources.Set{}, now, now.Add(10*365*24*time.Hour))
	if err != nil {
		return resources.KI{}, nil, aggregate.NewCryptoError("self-sign identity certificate: %v", err)
	}
	return ki, cert, nil
}

// siaFor derives a key's publication point. Every key gets its own
// directory (RFC 6489 requires distinct publication points per key so
// a rollover's old and new manifests never list each other's files).
func (s *State) siaFor(class string, ki resources.KI) signer.SIA {
	repo := s.deps.classRepositoryURI(s.Handle, class) + ki.String() + "/"
	return signer.SIA{Repository: repo, Manifest: repo + ki.String() + ".mft"}
}

func (s *State) intentEvent(class string, now time.Time) PublicationIntentRecorded {
	return PublicationIntentRecorded{IntentID: s.deps.newIntentID(), Class: class, RecordedAt: now}
}

func (s *State) validateConfirmPublication(c ConfirmPublication) ([]aggregate.Event, error) {
	known := make([]string, 0, len(c.IntentIDs))
	for _, id := range c.IntentIDs {
		if _, ok := s.PendingIntents[id]; ok {
			known = append(known, id)
		}
	}
	if len(known) == 0 {
		return nil, nil
	}
	return []aggregate.Event{PublicationConfirmed{IntentIDs: known}}, nil
}

// contentDelta describes how a command changes a key's published
// content relative to current state, so the command's manifest and CRL
// can be signed over the post-command set before the events apply.
type contentDelta struct {
	add     []rpki.ManifestFileEntry
	remove  map[string]bool
	revoked []rpki.RevokedSerial
	crlOnly bool // old key after a rollover: publish only its own CRL
}

// signRepublishFor signs a fresh CRL and manifest for one resource
// class key over the current content adjusted by delta, bumping both
// monotonic counters.
func (s *State) signRepublishFor(class *ResourceClass, key *Key, delta contentDelta, now time.Time, validFor time.Duration) (Republished, error) {
	classCert, err := x509.ParseCertificate(key.Cert)
	if err != nil {
		return Republished{}, aggregate.NewCryptoError("parse class certificate: %v", err)
	}
	if validFor == 0 {
		validFor = DefaultMFTCRLValidity
	}
	thisUpdate, nextUpdate := now, now.Add(validFor)

	revoked := make([]rpki.RevokedSerial, 0, len(key.RevokedSerials)+len(delta.revoked))
	for _, r := range key.RevokedSerials {
		serial, ok := new(big.Int).SetString(r.Serial, 10)
		if !ok {
			continue
		}
		revoked = append(revoked, rpki.RevokedSerial{Serial: serial, RevokedAt: r.RevokedAt})
	}
	revoked = append(revoked, delta.revoked...)

	crlNumber := key.CRLNumber + 1
	crlDER, err := s.deps.Signer.SignCRL(key.KI, classCert, crlNumber, thisUpdate, nextUpdate, revoked)
	if err != nil {
		return Republished{}, aggregate.NewCryptoError("sign CRL: %v", err)
	}

	entries := []rpki.ManifestFileEntry{{Name: key.KI.String() + ".crl", Hash: sha256.Sum256(crlDER)}}
	if !delta.crlOnly {
		for _, child := range s.Children {
			for _, issued := range child.IssuedCerts {
				if issued.Class != class.Name || issued.Revoked {
					continue
				}
				name := issued.KI.String() + ".cer"
				if delta.remove[name] {
					continue
				}
				entries = append(entries, rpki.ManifestFileEntry{Name: name, Hash: sha256.Sum256(issued.Cert)})
			}
		}
		for _, roa := range class.ROAs {
			if delta.remove[roa.FileName] {
				continue
			}
			entries = append(entries, rpki.ManifestFileEntry{Name: roa.FileName, Hash: sha256.Sum256(roa.ObjectDER)})
		}
		entries = append(entries, delta.add...)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	sia := s.siaFor(class.Name, key.KI)
	manifestNumber := key.ManifestNumber + 1
	mft, err := s.deps.Signer.SignManifest(key.KI, classCert, sia, manifestNumber, thisUpdate, nextUpdate, entries, now)
	if err != nil {
		return Republished{}, aggregate.NewCryptoError("sign manifest: %v", err)
	}

	return Republished{
		Class: class.Name, KI: key.KI.String(), ManifestNumber: manifestNumber, CRLNumber: crlNumber,
		ThisUpdate: thisUpdate, NextUpdate: nextUpdate,
		ManifestDER: mft.Signed.DER, ManifestEECert: mft.EECert.Raw, CRLDER: crlDER,
	}, nil
}

func (s *State) validateAddParent(c AddParent) ([]aggregate.Event, error) {
	if !s.Initialized {
		return nil, aggregate.NewInputError("ca %s: not initialized", s.Handle)
	}
	if _, exists := s.Parents[c.ParentHandle]; exists {
		return nil, aggregate.NewInputError("ca %s: parent %s already registered", s.Handle, c.ParentHandle)
	}
	return []aggregate.Event{ParentAdded{
		ParentHandle: c.ParentHandle, ContactURI: c.ContactURI,
		MyChildHandle: c.MyChildHandle, ParentIDCert: c.ParentIDCert,
	}}, nil
}

func (s *State) validateUpdateEntitlements(c UpdateEntitlements) ([]aggregate.Event, error) {
	if _, ok := s.Parents[c.ParentHandle]; !ok {
		return nil, aggregate.NewInputError("ca %s: unknown parent %s", s.Handle, c.ParentHandle)
	}
	set := c.Entitlements
	set.Canonicalize()

	events := []aggregate.Event{EntitlementsUpdated{ParentHandle: c.ParentHandle, Class: c.Class, Entitlements: set}}

	class := s.ResourceClasses[c.Class]
	if class == nil || class.Current == nil {
		ki, err := s.deps.Signer.GenerateClassKey()
		if err != nil {
			return nil, aggregate.NewCryptoError("generate resource class key: %v", err)
		}
		events = append(events, ClassKeyGenerated{Class: c.Class, KI: ki.String()})
	}
	return events, nil
}

func (s *State) validateCertificateReceived(c CertificateReceived) ([]aggregate.Event, error) {
	class, ok := s.ResourceClasses[c.Class]
	if !ok {
		return nil, aggregate.NewInputError("ca %s: unknown resource class %s", s.Handle, c.Class)
	}
	var key *Key
	promote := false
	switch {
	case class.Pending != nil && class.Pending.KI == c.KI:
		key = class.Pending
		promote = class.Current == nil
	case class.Current != nil && class.Current.KI == c.KI && class.Current.Cert == nil:
		key = class.Current
		promote = true
	default:
		return nil, aggregate.NewInputError("ca %s: no pending/active key %s in class %s awaiting a certificate", s.Handle, c.KI, c.Class)
	}

	cert, err := x509.ParseCertificate(c.CertDER)
	if err != nil {
		return nil, aggregate.NewCryptoError("parse received certificate: %v", err)
	}
	sia := s.siaFor(c.Class, key.KI)
	return []aggregate.Event{CertificateInstalled{
		Class: c.Class, KI: c.KI.String(), CertDER: cert.Raw,
		SIARepository: sia.Repository, SIAManifest: sia.Manifest, PromoteToActive: promote,
	}}, nil
}

func (s *State) validateAddChild(c AddChild) ([]aggregate.Event, error) {
	if _, exists := s.Children[c.ChildHandle]; exists {
		return nil, aggregate.NewInputError("ca %s: child %s already exists", s.Handle, c.ChildHandle)
	}
	set := c.Resources
	set.Canonicalize()
	if !set.Subset(s.totalCertified()) {
		return nil, aggregate.NewInputError("ca %s: child %s resources %s not a subset of certified resources", s.Handle, c.ChildHandle, set)
	}
	return []aggregate.Event{ChildAdded{ChildHandle: c.ChildHandle, IDCert: c.IDCert, AuthorizedResources: set}}, nil
}

func (s *State) totalCertified() resources.Set {
	var total resources.Set
	for _, class := range s.ResourceClasses {
		total.IPv4 = append(total.IPv4, class.Entitlements.IPv4...)
		total.IPv6 = append(total.IPv6, class.Entitlements.IPv6...)
		total.ASNs = append(total.ASNs, class.Entitlements.ASNs...)
	}
	total.Canonicalize()
	return total
}

func (s *State) validateIssue(c Issue, now time.Time) ([]aggregate.Event, error) {
	child, ok := s.Children[c.ChildHandle]
	if !ok {
		return nil, aggregate.NewInputError("ca %s: unknown child %s", s.Handle, c.ChildHandle)
	}
	class, ok := s.ResourceClasses[c.Class]
	if !ok || class.Current == nil || class.Current.Cert == nil {
		return nil, aggregate.NewInputError("ca %s: resource class %s has no active certified key", s.Handle, c.Class)
	}
	set := c.Resources
	set.Canonicalize()
	if !set.Subset(child.AuthorizedResources) || !set.Subset(class.Entitlements) {
		return nil, aggregate.NewInputError("ca %s: requested resources %s not a subset of child authorization or class certification", s.Handle, set)
	}

	childPub, err := x509.ParsePKIXPublicKey(c.ChildPublicKeyDER)
	if err != nil {
		return nil, aggregate.NewCryptoError("parse child public key: %v", err)
	}
	rsaPub, ok := childPub.(*rsa.PublicKey)
	if !ok {
		return nil, aggregate.NewCryptoError("child public key is not RSA")
	}

	classCert, err := x509.ParseCertificate(class.Current.Cert)
	if err != nil {
		return nil, aggregate.NewCryptoError("parse class certificate: %v", err)
	}
	validFor := c.ValidFor
	if validFor == 0 {
		validFor = DefaultValidFor
	}
	childKI, err := resources.KIFromPublicKey(rsaPub)
	if err != nil {
		return nil, aggregate.NewCryptoError("derive child key identifier: %v", err)
	}
	childSIA := signer.SIA{
		Repository: s.deps.classRepositoryURI(c.ChildHandle, c.Class),
		Manifest:   s.deps.classManifestURI(c.ChildHandle, c.Class, childKI.String()),
	}
	cert, err := s.deps.Signer.IssueChildCert(class.Current.KI, classCert, rsaPub, set, childSIA, now, now.Add(validFor))
	if err != nil {
		return nil, aggregate.NewCryptoError("issue child certificate: %v", err)
	}

	repub, err := s.signRepublishFor(class, class.Current, contentDelta{
		add: []rpki.ManifestFileEntry{{Name: childKI.String() + ".cer", Hash: sha256.Sum256(cert.Raw)}},
	}, now, 0)
	if err != nil {
		return nil, err
	}
	return []aggregate.Event{CertIssued{
		ChildHandle: c.ChildHandle, Class: c.Class, KI: childKI.String(),
		CertDER: cert.Raw, Resources: set,
	}, repub, s.intentEvent(c.Class, now)}, nil
}

func (s *State) validateRevokeChildCert(c RevokeChildCert, now time.Time) ([]aggregate.Event, error) {
	child, ok := s.Children[c.ChildHandle]
	if !ok {
		return nil, aggregate.NewInputError("ca %s: unknown child %s", s.Handle, c.ChildHandle)
	}
	issued, ok := child.IssuedCerts[c.KI.String()]
	if !ok || issued.Revoked || issued.Class != c.Class {
		return nil, aggregate.NewInputError("ca %s: no active certificate %s for child %s in class %s", s.Handle, c.KI, c.ChildHandle, c.Class)
	}
	class, ok := s.ResourceClasses[c.Class]
	if !ok || class.Current == nil || class.Current.Cert == nil {
		return nil, aggregate.NewInputError("ca %s: resource class %s has no active certified key", s.Handle, c.Class)
	}
	cert, err := x509.ParseCertificate(issued.Cert)
	if err != nil {
		return nil, aggregate.NewCryptoError("parse issued certificate: %v", err)
	}
	repub, err := s.signRepublishFor(class, class.Current, contentDelta{
		remove:  map[string]bool{c.KI.String() + ".cer": true},
		revoked: []rpki.RevokedSerial{{Serial: cert.SerialNumber, RevokedAt: now}},
	}, now, 0)
	if err != nil {
		return nil, err
	}
	return []aggregate.Event{ChildCertRevoked{
		ChildHandle: c.ChildHandle, Class: c.Class, KI: c.KI.String(),
		Serial: cert.SerialNumber.String(), RevokedAt: now,
	}, repub, s.intentEvent(c.Class, now)}, nil
}

func (s *State) validateAddRoa(c AddRoa, now time.Time) ([]aggregate.Event, error) {
	class, ok := s.ResourceClasses[c.Class]
	if !ok || class.Current == nil || class.Current.Cert == nil {
		return nil, aggregate.NewInputError("ca %s: resource class %s has no active certified key", s.Handle, c.Class)
	}
	key := roaKey(c.ASN, c.Prefix.String(), c.MaxLength)
	if class.ROAs != nil {
		if _, exists := class.ROAs[key]; exists {
			return nil, aggregate.NewInputError("ca %s: ROA %s already exists", s.Handle, key)
		}
	}
	var claimed resources.Set
	claimed.AddPrefix(c.Prefix)
	claimed.Canonicalize()
	if !claimed.Subset(class.Entitlements) {
		return nil, aggregate.NewInputError("ca %s: ROA prefix %s not a subset of class %s certified resources", s.Handle, c.Prefix, c.Class)
	}

	classCert, err := x509.ParseCertificate(class.Current.Cert)
	if err != nil {
		return nil, aggregate.NewCryptoError("parse class certificate: %v", err)
	}
	validFor := DefaultValidFor
	sia := s.siaFor(c.Class, class.Current.KI)
	result, err := s.deps.Signer.SignROA(class.Current.KI, classCert, sia, c.ASN,
		[]rpki.ROAPrefix{{Prefix: c.Prefix, MaxLength: c.MaxLength}}, class.Entitlements,
		now, now.Add(validFor), now)
	if err != nil {
		return nil, aggregate.NewCryptoError("sign ROA: %v", err)
	}

	fileName := fmt.Sprintf("%s-%d.roa", result.EECert.SerialNumber.String(), c.ASN)
	repub, err := s.signRepublishFor(class, class.Current, contentDelta{
		add: []rpki.ManifestFileEntry{{Name: fileName, Hash: sha256.Sum256(result.Signed.DER)}},
	}, now, 0)
	if err != nil {
		return nil, err
	}
	return []aggregate.Event{ROAAdded{
		Class: c.Class, ASN: c.ASN, Prefix: c.Prefix.String(), MaxLength: c.MaxLength,
		EESerial: result.EECert.SerialNumber.String(), FileName: fileName, ObjectDER: result.Signed.DER,
	}, repub, s.intentEvent(c.Class, now)}, nil
}

func (s *State) validateRemoveRoa(c RemoveRoa, now time.Time) ([]aggregate.Event, error) {
	class, ok := s.ResourceClasses[c.Class]
	if !ok || class.Current == nil || class.Current.Cert == nil {
		return nil, aggregate.NewInputError("ca %s: resource class %s has no active certified key", s.Handle, c.Class)
	}
	key := roaKey(c.ASN, c.Prefix.String(), c.MaxLength)
	roa, ok := class.ROAs[key]
	if !ok {
		return nil, aggregate.NewInputError("ca %s: no ROA %s", s.Handle, key)
	}
	delta := contentDelta{remove: map[string]bool{roa.FileName: true}}
	if serial, ok := new(big.Int).SetString(roa.EESerial, 10); ok {
		delta.revoked = []rpki.RevokedSerial{{Serial: serial, RevokedAt: now}}
	}
	repub, err := s.signRepublishFor(class, class.Current, delta, now, 0)
	if err != nil {
		return nil, err
	}
	return []aggregate.Event{ROARemoved{
		Class: c.Class, ASN: c.ASN, Prefix: c.Prefix.String(), MaxLength: c.MaxLength,
		EESerial: roa.EESerial, RevokedAt: now,
	}, repub, s.intentEvent(c.Class, now)}, nil
}

func (s *State) validateStartKeyRoll(c StartKeyRoll, now time.Time) ([]aggregate.Event, error) {
	class, ok := s.ResourceClasses[c.Class]
	if !ok || class.Current == nil {
		return nil, aggregate.NewInputError("ca %s: resource class %s has no active key to roll", s.Handle, c.Class)
	}
	if class.Pending != nil {
		return nil, aggregate.NewInputError("ca %s: resource class %s already has a pending key", s.Handle, c.Class)
	}
	ki, err := s.deps.Signer.GenerateClassKey()
	if err != nil {
		return nil, aggregate.NewCryptoError("generate rollover key: %v", err)
	}
	return []aggregate.Event{KeyRollStarted{Class: c.Class, KI: ki.String(), GeneratedAt: now}}, nil
}

func (s *State) validateActivateKeyRoll(c ActivateKeyRoll, now time.Time) ([]aggregate.Event, error) {
	class, ok := s.ResourceClasses[c.Class]
	if !ok || class.Pending == nil {
		return nil, aggregate.NewInputError("ca %s: resource class %s has no pending key", s.Handle, c.Class)
	}
	if class.Pending.Cert == nil {
		return nil, aggregate.NewInputError("ca %s: resource class %s pending key has no certificate yet", s.Handle, c.Class)
	}
	minStage := c.MinStage
	if minStage == 0 {
		minStage = DefaultKeyRollMinStage
	}
	if now.Sub(class.Pending.PendingSince) < minStage {
		return nil, aggregate.NewInputError("ca %s: resource class %s pending key has not reached minimum stage time", s.Handle, c.Class)
	}
	newKey := class.Pending
	events := []aggregate.Event{KeyPromoted{Class: c.Class, KI: newKey.KI.String(), Now: now}}

	// The new key takes over every object: each ROA is re-signed under
	// it, and the manifest lists the re-signed set. The outgoing key
	// keeps publishing a CRL-only manifest until FinishKeyRoll.
	newCert, err := x509.ParseCertificate(newKey.Cert)
	if err != nil {
		return nil, aggregate.NewCryptoError("parse promoted key certificate: %v", err)
	}
	delta := contentDelta{remove: make(map[string]bool)}
	sia := s.siaFor(c.Class, newKey.KI)
	for _, roa := range sortedROAs(class) {
		prefix, err := netip.ParsePrefix(roa.Prefix)
		if err != nil {
			return nil, aggregate.NewInvariantError("stored ROA prefix %q unparseable: %v", roa.Prefix, err)
		}
		result, err := s.deps.Signer.SignROA(newKey.KI, newCert, sia, roa.ASN,
			[]rpki.ROAPrefix{{Prefix: prefix, MaxLength: roa.MaxLength}}, class.Entitlements,
			now, now.Add(DefaultValidFor), now)
		if err != nil {
			return nil, aggregate.NewCryptoError("re-sign ROA under promoted key: %v", err)
		}
		fileName := fmt.Sprintf("%s-%d.roa", result.EECert.SerialNumber.String(), roa.ASN)
		delta.remove[roa.FileName] = true
		delta.add = append(delta.add, rpki.ManifestFileEntry{Name: fileName, Hash: sha256.Sum256(result.Signed.DER)})
		events = append(events, ROAAdded{
			Class: c.Class, ASN: roa.ASN, Prefix: roa.Prefix, MaxLength: roa.MaxLength,
			EESerial: result.EECert.SerialNumber.String(), FileName: fileName, ObjectDER: result.Signed.DER,
		})
	}

	repub, err := s.signRepublishFor(class, newKey, delta, now, 0)
	if err != nil {
		return nil, err
	}
	events = append(events, repub)
	if class.Current != nil && class.Current.Cert != nil {
		oldRepub, err := s.signRepublishFor(class, class.Current, contentDelta{crlOnly: true}, now, 0)
		if err != nil {
			return nil, err
		}
		events = append(events, oldRepub)
	}
	return append(events, s.intentEvent(c.Class, now)), nil
}

// sortedROAs returns a class's ROAs in lexicographic (asn, prefix,
// maxLength) order, the tie-break order multiple ROAs in one command
// are processed in.
func sortedROAs(class *ResourceClass) []*ROA {
	roas := make([]*ROA, 0, len(class.ROAs))
	for _, roa := range class.ROAs {
		roas = append(roas, roa)
	}
	sort.Slice(roas, func(i, j int) bool {
		if roas[i].ASN != roas[j].ASN {
			return roas[i].ASN < roas[j].ASN
		}
		if roas[i].Prefix != roas[j].Prefix {
			return roas[i].Prefix < roas[j].Prefix
		}
		return roas[i].MaxLength < roas[j].MaxLength
	})
	return roas
}

func (s *State) validateFinishKeyRoll(c FinishKeyRoll, now time.Time) ([]aggregate.Event, error) {
	class, ok := s.ResourceClasses[c.Class]
	if !ok || class.Old == nil {
		return nil, aggregate.NewInputError("ca %s: resource class %s has no staged key to revoke", s.Handle, c.Class)
	}
	quiet := c.Quiet
	if quiet == 0 {
		quiet = DefaultKeyRollQuiet
	}
	if now.Sub(class.Old.StagedSince) < quiet {
		return nil, aggregate.NewInputError("ca %s: resource class %s staged key has not sat quiet long enough", s.Handle, c.Class)
	}
	cert, err := x509.ParseCertificate(class.Old.Cert)
	if err != nil {
		return nil, aggregate.NewCryptoError("parse staged key certificate: %v", err)
	}
	var events []aggregate.Event
	events = append(events, KeyRevoked{
		Class: c.Class, KI: class.Old.KI.String(), Serial: cert.SerialNumber.String(), RevokedAt: now,
	})
	if class.Current != nil && class.Current.Cert != nil {
		repub, err := s.signRepublishFor(class, class.Current, contentDelta{
			revoked: []rpki.RevokedSerial{{Serial: cert.SerialNumber, RevokedAt: now}},
		}, now, 0)
		if err != nil {
			return nil, err
		}
		events = append(events, repub)
	}
	return append(events, s.intentEvent(c.Class, now)), nil
}

func (s *State) validateRepublish(c Republish, now time.Time) ([]aggregate.Event, error) {
	class, ok := s.ResourceClasses[c.Class]
	if !ok || class.Current == nil || class.Current.Cert == nil {
		return nil, aggregate.NewInputError("ca %s: resource class %s has no active certified key", s.Handle, c.Class)
	}
	events := []aggregate.Event{}
	repub, err := s.signRepublishFor(class, class.Current, contentDelta{}, now, c.ValidFor)
	if err != nil {
		return nil, err
	}
	events = append(events, repub)
	if class.Old != nil && class.Old.Cert != nil {
		oldRepub, err := s.signRepublishFor(class, class.Old, contentDelta{crlOnly: true}, now, c.ValidFor)
		if err != nil {
			return nil, err
		}
		events = append(events, oldRepub)
	}
	return append(events, s.intentEvent(c.Class, now)), nil
}

// Apply mutates state to reflect one event. It must be total for
// every event Validate could have produced, and must never fail.
func (s *State) Apply(ev aggregate.Event) {
	switch e := ev.(type) {
	case CAInitialized:
		s.Initialized = true
		s.IsTrustAnchor = e.IsTrustAnchor
		ki, _ := resources.ParseKI(e.IDKeyKI)
		s.IDKey = ki
		s.IDCert = e.IDCertDER
	case ParentAdded:
		s.Parents[e.ParentHandle] = &ParentInfo{
			ContactURI: e.ContactURI, ParentHandle: e.ParentHandle,
			MyChildHandle: e.MyChildHandle, IDCert: e.ParentIDCert,
		}
	case EntitlementsUpdated:
		class := s.classOrNew(e.Class)
		class.Entitlements = e.Entitlements
	case ClassKeyGenerated:
		class := s.classOrNew(e.Class)
		ki, _ := resources.ParseKI(e.KI)
		key := &Key{KI: ki, State: KeyPending, PendingSince: time.Time{}}
		if class.Current == nil {
			class.Current = key // awaits its own certificate before being usable
		} else {
			class.Pending = key
		}
	case CertificateInstalled:
		class := s.classOrNew(e.Class)
		ki, _ := resources.ParseKI(e.KI)
		var key *Key
		switch {
		case class.Pending != nil && class.Pending.KI == ki:
			key = class.Pending
		case class.Current != nil && class.Current.KI == ki:
			key = class.Current
		}
		if key == nil {
			return
		}
		key.Cert = e.CertDER
		key.SIARepository = e.SIARepository
		key.SIAManifest = e.SIAManifest
		if e.PromoteToActive {
			key.State = KeyActive
			if class.Pending == key {
				class.Current, class.Pending = key, nil
			}
		}
	case KeyRollStarted:
		class := s.classOrNew(e.Class)
		ki, _ := resources.ParseKI(e.KI)
		class.Pending = &Key{KI: ki, State: KeyPending, PendingSince: e.GeneratedAt}
	case KeyPromoted:
		class := s.classOrNew(e.Class)
		old := class.Current
		class.Current = class.Pending
		class.Current.State = KeyActive
		class.Pending = nil
		if old != nil {
			old.State = KeyStagedForRevocation
			old.StagedSince = e.Now
			class.Old = old
		}
	case KeyRevoked:
		class := s.classOrNew(e.Class)
		if class.Old != nil && class.Old.KI.String() == e.KI {
			if class.Current != nil {
				class.Current.RevokedSerials = append(class.Current.RevokedSerials, RevokedSerial{Serial: e.Serial, RevokedAt: e.RevokedAt})
			}
			class.Old = nil
		}
	case ChildAdded:
		s.Children[e.ChildHandle] = &ChildInfo{
			Handle: e.ChildHandle, IDCert: e.IDCert, AuthorizedResources: e.AuthorizedResources,
			IssuedCerts: make(map[string]*IssuedCert),
		}
	case CertIssued:
		child := s.Children[e.ChildHandle]
		if child == nil {
			return
		}
		ki, _ := resources.ParseKI(e.KI)
		child.IssuedCerts[e.KI] = &IssuedCert{Class: e.Class, KI: ki, Cert: e.CertDER, Resources: e.Resources}
	case ChildCertRevoked:
		child := s.Children[e.ChildHandle]
		if child == nil {
			return
		}
		if issued, ok := child.IssuedCerts[e.KI]; ok {
			issued.Revoked = true
		}
		if class := s.ResourceClasses[e.Class]; class != nil && class.Current != nil {
			class.Current.RevokedSerials = append(class.Current.RevokedSerials, RevokedSerial{Serial: e.Serial, RevokedAt: e.RevokedAt})
		}
	case ROAAdded:
		class := s.classOrNew(e.Class)
		if class.ROAs == nil {
			class.ROAs = make(map[string]*ROA)
		}
		key := roaKey(e.ASN, e.Prefix, e.MaxLength)
		class.ROAs[key] = &ROA{
			ASN: e.ASN, Prefix: e.Prefix, MaxLength: e.MaxLength,
			EESerial: e.EESerial, FileName: e.FileName, ObjectDER: e.ObjectDER,
		}
	case ROARemoved:
		class := s.ResourceClasses[e.Class]
		if class == nil {
			return
		}
		key := roaKey(e.ASN, e.Prefix, e.MaxLength)
		delete(class.ROAs, key)
		if class.Current != nil {
			class.Current.RevokedSerials = append(class.Current.RevokedSerials, RevokedSerial{Serial: e.EESerial, RevokedAt: e.RevokedAt})
		}
	case Republished:
		class := s.ResourceClasses[e.Class]
		if class == nil {
			return
		}
		var key *Key
		for _, k := range []*Key{class.Current, class.Pending, class.Old} {
			if k != nil && k.KI.String() == e.KI {
				key = k
				break
			}
		}
		if key == nil {
			return
		}
		key.ManifestNumber = e.ManifestNumber
		key.CRLNumber = e.CRLNumber
		key.ThisUpdate = e.ThisUpdate
		key.NextUpdate = e.NextUpdate
		key.ManifestDER = e.ManifestDER
		key.ManifestEECert = e.ManifestEECert
		key.CRLDER = e.CRLDER
	case PublicationIntentRecorded:
		if s.PendingIntents == nil {
			s.PendingIntents = make(map[string]*PublicationIntent)
		}
		s.PendingIntents[e.IntentID] = &PublicationIntent{IntentID: e.IntentID, Class: e.Class, RecordedAt: e.RecordedAt}
	case PublicationConfirmed:
		for _, id := range e.IntentIDs {
			delete(s.PendingIntents, id)
		}
	}
}

func (s *State) classOrNew(name string) *ResourceClass {
	class, ok := s.ResourceClasses[name]
	if !ok {
		class = &ResourceClass{Name: name, ROAs: make(map[string]*ROA)}
		s.ResourceClasses[name] = class
	}
	return class
}
